package telegram

// standardReactions is the emoji set Telegram accepts for message reactions.
// Anything outside this set is rejected by the API with a 400.
var standardReactions = map[string]struct{}{
	"👍": {}, "👎": {}, "❤": {}, "🔥": {}, "🥰": {}, "👏": {}, "😁": {}, "🤔": {},
	"🤯": {}, "😱": {}, "🤬": {}, "😢": {}, "🎉": {}, "🤩": {}, "🤮": {}, "💩": {},
	"🙏": {}, "👌": {}, "🕊": {}, "🤡": {}, "🥱": {}, "🥴": {}, "😍": {}, "🐳": {},
	"❤‍🔥": {}, "🌚": {}, "🌭": {}, "💯": {}, "🤣": {}, "⚡": {}, "🍌": {}, "🏆": {},
	"💔": {}, "🤨": {}, "😐": {}, "🍓": {}, "🍾": {}, "💋": {}, "🖕": {}, "😈": {},
	"😴": {}, "😭": {}, "🤓": {}, "👻": {}, "👨‍💻": {}, "👀": {}, "🎃": {}, "🙈": {},
	"😇": {}, "😨": {}, "🤝": {}, "✍": {}, "🤗": {}, "🫡": {}, "🎅": {}, "🎄": {},
	"☃": {}, "💅": {}, "🤪": {}, "🗿": {}, "🆒": {}, "💘": {}, "🙉": {}, "🦄": {},
	"😘": {}, "💊": {}, "🙊": {}, "😎": {}, "👾": {}, "🤷‍♂": {}, "🤷": {}, "🤷‍♀": {},
	"😡": {},
}

// IsStandardReaction reports whether emoji is accepted by setMessageReaction.
func IsStandardReaction(emoji string) bool {
	_, ok := standardReactions[emoji]
	return ok
}
