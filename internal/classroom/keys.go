package classroom

import (
	"fmt"
	"math"
	"math/rand"
)

const keyAlphabet = "abcdefghijklmnopqrstuvwxyz123456789"

// KeyLength is the size of generated join codes.
const KeyLength = 4

// GenerateKey returns a random join code of size characters.
func GenerateKey(size int) string {
	key := make([]byte, size)
	for i := range key {
		key[i] = keyAlphabet[rand.Intn(len(keyAlphabet))]
	}
	return string(key)
}

// GenerateColors returns amount evenly spaced, fully saturated hues as hex colors.
func GenerateColors(amount int) []string {
	colors := make([]string, 0, amount)
	hue := 0.0
	for i := 0; i < amount; i++ {
		colors = append(colors, hslToHex(hue, 100, 50))
		hue += 360 / float64(amount)
	}
	return colors
}

func hslToHex(hue, saturation, lightness float64) string {
	lightness /= 100
	chroma := saturation * math.Min(lightness, 1-lightness) / 100

	component := func(index float64) int {
		position := math.Mod(index+hue/30, 12)
		value := lightness - chroma*math.Max(math.Min(math.Min(position-3, 9-position), 1), -1)
		return int(math.Round(255 * value))
	}
	return fmt.Sprintf("#%02x%02x%02x", component(0), component(8), component(4))
}
