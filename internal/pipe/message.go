// Package pipe implements the ordered message channel shared by the download
// and upload sides of a relay.
package pipe

import "fmt"

// Kind identifies the variant carried by a Message.
type Kind uint8

const (
	// KindBytes carries a chunk of body data.
	KindBytes Kind = iota + 1
	// KindHeaderLine carries one raw response header line of the download.
	KindHeaderLine
	// KindEndOfHeaders separates the header phase from the body phase.
	KindEndOfHeaders
	// KindPrepareToFinish follows the last body chunk.
	KindPrepareToFinish
	// KindStop ends the stream.
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "Bytes"
	case KindHeaderLine:
		return "HeaderLine"
	case KindEndOfHeaders:
		return "EndOfHeaders"
	case KindPrepareToFinish:
		return "PrepareToFinish"
	case KindStop:
		return "Stop"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is the unit exchanged on a Pipe. Only the payload field matching
// Kind is meaningful; use the constructors below to build one.
type Message struct {
	Kind Kind
	Data []byte
	Line string
}

// Bytes wraps a body chunk. The pipe never splits or merges payloads.
func Bytes(p []byte) Message {
	return Message{Kind: KindBytes, Data: p}
}

// HeaderLine wraps a single response header line.
func HeaderLine(line string) Message {
	return Message{Kind: KindHeaderLine, Line: line}
}

// EndOfHeaders marks the end of the header phase.
func EndOfHeaders() Message {
	return Message{Kind: KindEndOfHeaders}
}

// PrepareToFinish asks the consumer to emit the multipart epilogue.
func PrepareToFinish() Message {
	return Message{Kind: KindPrepareToFinish}
}

// Stop signals end of stream.
func Stop() Message {
	return Message{Kind: KindStop}
}

func (m Message) String() string {
	switch m.Kind {
	case KindBytes:
		return fmt.Sprintf("Bytes(%d)", len(m.Data))
	case KindHeaderLine:
		return fmt.Sprintf("HeaderLine(%q)", m.Line)
	default:
		return m.Kind.String()
	}
}
