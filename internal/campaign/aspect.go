package campaign

import (
	"strconv"
	"strings"
)

// AspectRatio describes a supported output shape and the generator canvas used for it.
type AspectRatio struct {
	Tag    string
	Width  int
	Height int
}

// Size renders the canvas as WIDTHxHEIGHT.
func (a AspectRatio) Size() string {
	return strconv.Itoa(a.Width) + "x" + strconv.Itoa(a.Height)
}

// The image generator only offers three canvases; 4x5 is generated portrait and
// cropped by downstream consumers.
var aspectRatios = map[string]AspectRatio{
	"1x1":  {Tag: "1x1", Width: 1024, Height: 1024},
	"16x9": {Tag: "16x9", Width: 1792, Height: 1024},
	"9x16": {Tag: "9x16", Width: 1024, Height: 1792},
	"4x5":  {Tag: "4x5", Width: 1024, Height: 1792},
}

// NormalizeAspectRatio accepts "16:9", "16x9", or "16X9" and returns the tag form.
func NormalizeAspectRatio(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.ReplaceAll(value, ":", "x")
}

// LookupAspectRatio returns the canvas for a tag.
func LookupAspectRatio(tag string) (AspectRatio, bool) {
	ratio, ok := aspectRatios[NormalizeAspectRatio(tag)]
	return ratio, ok
}
