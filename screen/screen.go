// Package screen renders the device's own status output (setup
// instructions, error lines, the live clock) into the framebuffer. All
// real content arrives pre-rendered from the backend; this is just enough
// text to be useful when the backend is not reachable yet.
package screen

import (
	"fmt"
	"image"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/datascale-ai/inksight-device/frame"
)

// ClockRect is the panel region the live clock occupies; it is the only
// area touched by partial refreshes.
var ClockRect = image.Rect(8, 6, 64, 24)

// Setup paints the provisioning instructions shown while the portal is
// up.
func Setup(fb *frame.Buffer, apName string) {
	fb.Fill(true)
	drawCentered(fb, "Setup WiFi", 40, 3)
	drawCentered(fb, "Connect phone to", 110, 2)
	drawCentered(fb, apName, 145, 3)
	drawCentered(fb, "Open browser", 200, 2)
}

// Error paints a centered one-line error message.
func Error(fb *frame.Buffer, msg string) {
	fb.Fill(true)
	drawCentered(fb, msg, fb.Height()/2-13, 2)
}

// ModePreview overlays a small label while the next content mode is
// being fetched. The frame underneath is kept.
func ModePreview(fb *frame.Buffer, label string) {
	drawCentered(fb, label, 10, 2)
}

// Clock renders "HH:MM:SS" into a standalone region buffer sized for
// ClockRect, for use with the panel's partial update.
func Clock(hh, mm, ss int) ([]byte, image.Rectangle, error) {
	region, err := frame.New(ClockRect.Dx(), ClockRect.Dy())
	if err != nil {
		return nil, image.Rectangle{}, err
	}
	text := fmt.Sprintf("%02d:%02d:%02d", hh, mm, ss)
	drawString(region, text, 0, (ClockRect.Dy()-glyphHeight)/2, 1)
	return region.Bytes(), ClockRect, nil
}

const glyphHeight = 13 // basicfont.Face7x13

// TextWidth returns the pixel width of text at the given scale.
func TextWidth(text string, scale int) int {
	return font.MeasureString(basicfont.Face7x13, text).Ceil() * scale
}

func drawCentered(fb *frame.Buffer, text string, y, scale int) {
	x := (fb.Width() - TextWidth(text, scale)) / 2
	drawString(fb, text, x, y, scale)
}

// drawString rasterizes text with the fixed 7x13 face and blits it into
// fb at the given scale, black on whatever is already there.
func drawString(fb *frame.Buffer, text string, x, y, scale int) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	if w <= 0 {
		return
	}
	h := face.Metrics().Height.Ceil()
	mask := image.NewGray(image.Rect(0, 0, w, h))
	d := &font.Drawer{
		Dst:  mask,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)

	for my := 0; my < h; my++ {
		for mx := 0; mx < w; mx++ {
			if mask.GrayAt(mx, my).Y < 0x80 {
				continue
			}
			for dy := 0; dy < scale; dy++ {
				for dx := 0; dx < scale; dx++ {
					fb.SetPixel(x+mx*scale+dx, y+my*scale+dy, true)
				}
			}
		}
	}
}
