package fakefuse

import "fmt"

// Debug is used to output protocol traces. The default behaviour is
// to do nothing.
//
// The messages have human-friendly string representations.
//
// Implementations must not retain msg.
var Debug func(msg interface{}) = nop

func nop(msg interface{}) {}

type requestTrace struct {
	Opcode OpCode
	Unique uint64
	Len    int
}

func (m requestTrace) String() string {
	return fmt.Sprintf("<- %v unique=%#x len=%d", m.Opcode, m.Unique, m.Len)
}

type replyTrace struct {
	Unique uint64
	Len    int
	Error  int32
}

func (m replyTrace) String() string {
	return fmt.Sprintf("-> unique=%#x len=%d error=%d", m.Unique, m.Len, m.Error)
}

type commandTrace struct {
	Cmd controlCmd
	OK  bool
}

func (m commandTrace) String() string {
	return fmt.Sprintf("ctl %v ok=%v", m.Cmd, m.OK)
}
