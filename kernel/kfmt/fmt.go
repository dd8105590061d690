// Package kfmt implements the kernel's text output path: a formatted printer
// that does not allocate, an early ring buffer that captures output until a
// console is attached, and the panic handler.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize defines the scratch buffer size used for formatting numbers. A
// 64-bit value needs at most 22 octal digits plus a sign.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	digits          = []byte("0123456789abcdef")

	numBuf [numBufSize]byte

	// oneByte is a shared buffer for emitting single characters.
	oneByte = []byte(" ")

	// earlyPrintBuffer captures Printf output before a console is attached.
	earlyPrintBuffer ringBuffer

	// outputSink receives all Printf output. While nil, output is
	// redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and flushes any data
// accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// OutputSink returns the writer that currently receives Printf output. If no
// sink has been attached the early print buffer is returned.
func OutputSink() io.Writer {
	if outputSink != nil {
		return outputSink
	}
	return &earlyPrintBuffer
}

// Printf provides a minimal Printf implementation that can be safely used
// before the Go allocator is available. It supports the following subset of
// the fmt verbs:
//
//	%s  string or []byte
//	%d  base 10 integer
//	%x  base 16 integer, lower-case
//	%o  base 8 integer
//	%t  bool
//	%%  a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10 numbers
// are left-padded with spaces; base-8 and base-16 numbers with zeroes.
//
// Only the built-in integer types are recognized. Named types (e.g. mm.Size)
// must be converted by the caller; Printf cannot check for fmt.Stringer
// without pulling in reflection, which makes the compiler emit allocating
// interface conversions.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes its output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		i        int
		n        = len(format)
	)

	for i < n {
		if format[i] != '%' {
			writeByte(w, format[i])
			i++
			continue
		}

		width = 0
		for i++; i < n && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == n {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		i++

		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 's':
			fmtString(w, args[argIndex], width)
		case 't':
			fmtBool(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		pad(w, ' ', width-len(s))
		// converting s to a []byte would allocate
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		pad(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func pad(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt writes v in the requested base, left-padded to width.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		mag uint64
		neg bool
	)

	switch n := v.(type) {
	case uint8:
		mag = uint64(n)
	case uint16:
		mag = uint64(n)
	case uint32:
		mag = uint64(n)
	case uint64:
		mag = n
	case uint:
		mag = uint64(n)
	case uintptr:
		mag = uint64(n)
	case int8:
		mag, neg = signed(int64(n))
	case int16:
		mag, neg = signed(int64(n))
	case int32:
		mag, neg = signed(int64(n))
	case int64:
		mag, neg = signed(n)
	case int:
		mag, neg = signed(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width > numBufSize-1 {
		width = numBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// digits are produced right-to-left
	pos := numBufSize
	for {
		pos--
		numBuf[pos] = digits[mag%base]
		mag /= base
		if mag == 0 {
			break
		}
	}

	// space-padded numbers keep the sign next to the digits while
	// zero-padded numbers carry it in front of the padding.
	if neg && padCh == ' ' {
		pos--
		numBuf[pos] = '-'
		neg = false
	}

	for numBufSize-pos < width {
		pos--
		numBuf[pos] = padCh
	}

	if neg {
		pos--
		numBuf[pos] = '-'
	}

	doWrite(w, numBuf[pos:])
}

func signed(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	oneByte[0] = b
	doWrite(w, oneByte)
}

// doWrite hides p from the compiler's escape analysis. Without it the call
// through the io.Writer interface makes p escape, every Printf call then
// triggers runtime.convT2E and the kernel crashes if Printf is used before
// the Go allocator is initialized.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
