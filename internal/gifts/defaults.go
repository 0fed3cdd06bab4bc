package gifts

// DefaultNames maps well-known gift identifiers to display names. Stores
// layer learned overrides on top of this table; it is never mutated.
var DefaultNames = map[int64]string{
	5655:  "🌹 Rose",
	5827:  "🍦 Ice Cream Cone",
	6247:  "💖 Heart",
	6650:  "🎁 Gift Box",
	7037:  "🎤 Mic",
	7349:  "🎉 Celebration",
	7933:  "🥤 Boba",
	8495:  "🪽 Fairy Wings",
	8763:  "🚗 Sports Car",
	9097:  "🎂 Birthday Cake",
	9210:  "🪩 Disco Ball",
	10262: "🐉 Dragon",
	10448: "🤍 White Rose",
	10504: "🎆 Fireworks",
	11287: "💍 Diamond Ring",
	11888: "🏰 Castle",
	12345: "🚀 Rocket",
	12899: "🛳 Luxury Cruise",
	13123: "🦄 Unicorn Fantasy",
	14555: "👑 Crown",
	15001: "🏆 Trophy",
}

func defaultName(giftID int64) (string, bool) {
	name, ok := DefaultNames[giftID]
	return name, ok
}
