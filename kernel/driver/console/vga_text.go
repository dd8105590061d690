// Package console provides the text consoles that can receive the kernel
// boot log.
package console

import "unsafe"

const (
	// tabWidth is the number of columns a tab character advances to.
	tabWidth = 4

	// light gray text on black background
	defaultAttr = uint16(0x07) << 8
)

// VgaText implements an io.Writer that renders text on an EGA-compatible
// text mode framebuffer.
//
// Each character in the framebuffer is represented using two bytes, a byte
// for the character ASCII code and a byte that encodes the foreground and
// background colors (4 bits for each). Output that reaches the bottom row
// scrolls the console contents up by one line.
//
// The zero value is not usable; Init must be called first. Init does not
// allocate memory so a VgaText can be declared as a package-level variable
// and attached before the Go allocator is available.
type VgaText struct {
	width  uint32
	height uint32

	fb []uint16

	curX, curY uint32
}

// Init sets up a console with the given dimensions whose framebuffer starts at
// fbAddr and clears it.
func (cons *VgaText) Init(columns, rows uint32, fbAddr uintptr) {
	cons.width, cons.height = columns, rows
	cons.fb = unsafe.Slice((*uint16)(unsafe.Pointer(fbAddr)), columns*rows)
	cons.Clear()
}

// Dimensions returns the console width and height in characters.
func (cons *VgaText) Dimensions() (uint32, uint32) {
	return cons.width, cons.height
}

// Clear blanks the console and moves the cursor to the top-left corner.
func (cons *VgaText) Clear() {
	for i := range cons.fb {
		cons.fb[i] = defaultAttr | ' '
	}
	cons.curX, cons.curY = 0, 0
}

// Write renders p at the cursor position. Line feeds, carriage returns and
// tabs move the cursor; any other byte is rendered as-is.
func (cons *VgaText) Write(p []byte) (int, error) {
	for _, ch := range p {
		switch ch {
		case '\n':
			cons.lf()
		case '\r':
			cons.curX = 0
		case '\t':
			for cons.putChar(' '); cons.curX%tabWidth != 0; {
				cons.putChar(' ')
			}
		default:
			cons.putChar(ch)
		}
	}

	return len(p), nil
}

func (cons *VgaText) putChar(ch byte) {
	if cons.curX == cons.width {
		cons.lf()
	}

	cons.fb[cons.curY*cons.width+cons.curX] = defaultAttr | uint16(ch)
	cons.curX++
}

// lf moves the cursor to the start of the next line, scrolling if needed.
func (cons *VgaText) lf() {
	cons.curX = 0
	if cons.curY+1 < cons.height {
		cons.curY++
		return
	}

	lastRow := (cons.height - 1) * cons.width
	copy(cons.fb, cons.fb[cons.width:])
	for i := lastRow; i < lastRow+cons.width; i++ {
		cons.fb[i] = defaultAttr | ' '
	}
}
