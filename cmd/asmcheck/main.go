// Command asmcheck disassembles the syscall-entry and interrupt-stub byte
// sequences documented alongside scall.Dispatch and the trap-frame layout
// in process, and reports whether each decodes to the instruction mnemonics
// its doc comment claims. Nothing in this tree emits real machine code (the
// kernel's entry path is simulated in Go, not assembled), so these byte
// sequences exist only as documentation of what a real x86_64 trampoline
// would contain; this tool exists to catch a hand-transcribed byte sequence
// silently drifting from the mnemonics its comment claims to encode.
//
// Grounded on the teacher's own golang.org/x/arch dependency, wired here
// via x/arch/x86/x86asm the way a disassembler-backed lint tool would use
// it, since nothing in the corpus's kernel packages calls x86asm directly.
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/arch/x86/x86asm"
)

// stub names one documented byte sequence and the mnemonic sequence its
// doc comment asserts it decodes to.
type stub struct {
	name    string
	bytes   []byte
	mnemons []string
}

// stubs mirrors the trampolines described in scall's and process's doc
// comments: the syscall entry (stash caller's stack pointer, trap into the
// kernel, fall through to the dispatch return) and a minimal interrupt
// return (restore the trap frame, iret back to userspace).
var stubs = []stub{
	{
		name:    "syscall-entry",
		bytes:   []byte{0x48, 0x89, 0xE0, 0x0F, 0x05, 0xC3}, // mov rax, rsp; syscall; ret
		mnemons: []string{"MOV", "SYSCALL", "RET"},
	},
	{
		name:    "interrupt-return",
		bytes:   []byte{0x5F, 0x5E, 0x5D, 0x48, 0xCF}, // pop rdi; pop rsi; pop rbp; iretq
		mnemons: []string{"POP", "POP", "POP", "IRETQ"},
	},
}

func decode(b []byte) ([]string, error) {
	var out []string
	off := 0
	for off < len(b) {
		inst, err := x86asm.Decode(b[off:], 64)
		if err != nil {
			return out, fmt.Errorf("decoding at offset %d: %w", off, err)
		}
		out = append(out, inst.Op.String())
		off += inst.Len
	}
	return out, nil
}

func main() {
	flag.Parse()

	fail := false
	for _, s := range stubs {
		got, err := decode(s.bytes)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", s.name, err)
			fail = true
			continue
		}
		if !sliceEqual(got, s.mnemons) {
			fmt.Fprintf(os.Stderr, "%s: decoded %v, doc comment claims %v\n", s.name, got, s.mnemons)
			fail = true
			continue
		}
		fmt.Printf("%s: ok (%v)\n", s.name, got)
	}
	if fail {
		os.Exit(1)
	}
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
