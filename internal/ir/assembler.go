package ir

import (
	"fmt"
	"strings"
	"unicode"
)

// Assembler accumulates the IR of one compilation unit. Instructions are
// appended in program order by the builder methods; Compile lowers them to
// machine code, after which the Assembler accepts no more instructions.
type Assembler struct {
	insns []Insn

	// liveRanges[i] is the index of the last instruction that reads the
	// output of instruction i.
	liveRanges []int

	labelNames []string

	finalized bool
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{}
}

func newWithLabels(names []string) *Assembler {
	return &Assembler{labelNames: names}
}

// Insns returns the instruction list. The slice is shared with the Assembler.
func (a *Assembler) Insns() []Insn { return a.insns }

// LiveRanges returns the index of the last use of each instruction's output.
func (a *Assembler) LiveRanges() []int { return a.liveRanges }

// LabelNames returns the names of the labels created so far, indexed by Label.
func (a *Assembler) LabelNames() []string { return a.labelNames }

// Len is the number of instructions.
func (a *Assembler) Len() int { return len(a.insns) }

func (a *Assembler) nextOut(bits uint8) Out {
	return Out{Idx: len(a.insns), Bits: bits}
}

// push appends insn and extends the live range of every output it reads.
func (a *Assembler) push(insn Insn) {
	if a.finalized {
		panic(fmt.Sprintf("ir: %v appended to a compiled assembler", insn.Op))
	}
	idx := len(a.insns)
	insn.outRefs(func(ref int) {
		if ref < 0 || ref >= idx {
			panic(fmt.Sprintf("ir: %v reads output of instruction %d, which does not precede it", insn.Op, ref))
		}
		a.liveRanges[ref] = idx
	})
	a.insns = append(a.insns, insn)
	a.liveRanges = append(a.liveRanges, idx)
}

func outBits(op Op, opnds []Opnd) uint8 {
	switch op {
	case OpCCall:
		return 64
	case OpLoadSExt, OpLea, OpLeaLabel, OpCPop:
		matchNumBits(opnds)
		return 64
	default:
		return matchNumBits(opnds)
	}
}

func (a *Assembler) pushParts(op Op, opnds []Opnd, target Target, text string) Opnd {
	var out Opnd = None{}
	if op.HasOutput() {
		out = a.nextOut(outBits(op, opnds))
	} else if op != OpCCall {
		matchNumBits(opnds)
	}
	a.push(Insn{Op: op, Text: text, Opnds: opnds, Out: out, Target: target})
	return out
}

// PushInsn appends a copy of insn, giving it a fresh output in this
// Assembler when its opcode produces one. The width of an existing Out is
// kept. Backend passes use it to re-emit instructions they do not rewrite.
func (a *Assembler) PushInsn(insn Insn) Opnd {
	if insn.Op.HasOutput() {
		bits := uint8(0)
		if o, ok := insn.Out.(Out); ok {
			bits = o.Bits
		} else {
			bits = outBits(insn.Op, insn.Opnds)
		}
		insn.Out = a.nextOut(bits)
	} else {
		insn.Out = None{}
	}
	a.push(insn)
	return insn.Out
}

// NewLabel creates a label that can be jumped to and later bound with
// WriteLabel.
func (a *Assembler) NewLabel(name string) Label {
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		panic(fmt.Sprintf("ir: label name %q contains whitespace, use underscores", name))
	}
	a.labelNames = append(a.labelNames, name)
	return Label(len(a.labelNames) - 1)
}

// WriteLabel binds l at the current position.
func (a *Assembler) WriteLabel(l Label) {
	if int(l) < 0 || int(l) >= len(a.labelNames) {
		panic(fmt.Sprintf("ir: unknown label %d", l))
	}
	a.push(Insn{Op: OpLabel, Out: None{}, Target: l})
}

func (a *Assembler) String() string {
	var b strings.Builder
	b.WriteString("Assembler\n")
	for i, insn := range a.insns {
		fmt.Fprintf(&b, "    %03d %v\n", i, insn)
	}
	return b.String()
}

// SplitPass is the state of a ForwardPass. Builder methods called on it
// append to the new instruction list.
type SplitPass struct {
	*Assembler

	index int
	live  []int
	// origin maps an instruction of the new list to the source instruction
	// it stands in for.
	origin map[int]int
}

// Index is the position of the current instruction in the source list.
func (p *SplitPass) Index() int { return p.index }

// LivesPast reports whether o is an output that is still read after the
// current source instruction.
func (p *SplitPass) LivesPast(o Opnd) bool {
	out, ok := o.(Out)
	if !ok {
		return false
	}
	src, ok := p.origin[out.Idx]
	if !ok {
		return false
	}
	return p.live[src] > p.index
}

// ForwardPass rebuilds the instruction list in order. fn receives each
// instruction with its Out operands renumbered for the new list and appends
// whatever should replace it. The source Assembler is consumed.
func (a *Assembler) ForwardPass(fn func(p *SplitPass, insn Insn)) *Assembler {
	if a.finalized {
		panic("ir: forward pass over a compiled assembler")
	}
	a.finalized = true

	p := &SplitPass{
		Assembler: newWithLabels(a.labelNames),
		live:      a.liveRanges,
		origin:    make(map[int]int, len(a.insns)),
	}
	indices := make([]int, 0, len(a.insns))
	for i, insn := range a.insns {
		p.index = i
		before := len(p.insns)
		insn.Opnds = mapOpnds(insn.Opnds, indices)
		fn(p, insn)
		last := len(p.insns) - 1
		indices = append(indices, last)
		if last >= before {
			p.origin[last] = i
		}
	}
	return p.Assembler
}

func mapOpnds(opnds []Opnd, indices []int) []Opnd {
	mapped := make([]Opnd, len(opnds))
	for i, o := range opnds {
		switch o := o.(type) {
		case Out:
			mapped[i] = Out{Idx: indices[o.Idx], Bits: o.Bits}
		case Mem:
			if b, ok := o.Base.(Out); ok {
				o.Base = Out{Idx: indices[b.Idx], Bits: b.Bits}
			}
			mapped[i] = o
		default:
			mapped[i] = o
		}
	}
	return mapped
}

// Add returns left + right.
func (a *Assembler) Add(left, right Opnd) Opnd {
	return a.pushParts(OpAdd, []Opnd{left, right}, nil, "")
}

// Sub returns left - right.
func (a *Assembler) Sub(left, right Opnd) Opnd {
	return a.pushParts(OpSub, []Opnd{left, right}, nil, "")
}

func (a *Assembler) And(left, right Opnd) Opnd {
	return a.pushParts(OpAnd, []Opnd{left, right}, nil, "")
}

func (a *Assembler) Or(left, right Opnd) Opnd {
	return a.pushParts(OpOr, []Opnd{left, right}, nil, "")
}

func (a *Assembler) Xor(left, right Opnd) Opnd {
	return a.pushParts(OpXor, []Opnd{left, right}, nil, "")
}

func (a *Assembler) Not(o Opnd) Opnd {
	return a.pushParts(OpNot, []Opnd{o}, nil, "")
}

// Lsh shifts o left by shift.
func (a *Assembler) Lsh(o, shift Opnd) Opnd {
	return a.pushParts(OpLShift, []Opnd{o, shift}, nil, "")
}

// Rsh shifts o right, keeping the sign.
func (a *Assembler) Rsh(o, shift Opnd) Opnd {
	return a.pushParts(OpRShift, []Opnd{o, shift}, nil, "")
}

// URsh shifts o right, filling with zeros.
func (a *Assembler) URsh(o, shift Opnd) Opnd {
	return a.pushParts(OpURShift, []Opnd{o, shift}, nil, "")
}

// Load moves o into a new register.
func (a *Assembler) Load(o Opnd) Opnd {
	return a.pushParts(OpLoad, []Opnd{o}, nil, "")
}

// LoadSExt loads o sign-extended to 64 bits.
func (a *Assembler) LoadSExt(o Opnd) Opnd {
	return a.pushParts(OpLoadSExt, []Opnd{o}, nil, "")
}

// Store writes src to the memory operand dst.
func (a *Assembler) Store(dst, src Opnd) {
	a.pushParts(OpStore, []Opnd{dst, src}, nil, "")
}

// Mov copies src into dst.
func (a *Assembler) Mov(dst, src Opnd) {
	a.pushParts(OpMov, []Opnd{dst, src}, nil, "")
}

// Lea returns the address of the memory operand o.
func (a *Assembler) Lea(o Opnd) Opnd {
	return a.pushParts(OpLea, []Opnd{o}, nil, "")
}

// LeaLabel returns the address of a label.
func (a *Assembler) LeaLabel(l Label) Opnd {
	return a.pushParts(OpLeaLabel, nil, l, "")
}

func (a *Assembler) Cmp(left, right Opnd) {
	a.pushParts(OpCmp, []Opnd{left, right}, nil, "")
}

func (a *Assembler) Test(left, right Opnd) {
	a.pushParts(OpTest, []Opnd{left, right}, nil, "")
}

func (a *Assembler) jump(op Op, t Target) {
	switch t.(type) {
	case Label, CodePtr:
	default:
		panic(fmt.Sprintf("ir: %v cannot jump to %v", op, t))
	}
	a.pushParts(op, nil, t, "")
}

func (a *Assembler) Jmp(t Target) { a.jump(OpJmp, t) }
func (a *Assembler) Je(t Target)  { a.jump(OpJe, t) }
func (a *Assembler) Jne(t Target) { a.jump(OpJne, t) }
func (a *Assembler) Jl(t Target)  { a.jump(OpJl, t) }
func (a *Assembler) Jle(t Target) { a.jump(OpJle, t) }
func (a *Assembler) Jg(t Target)  { a.jump(OpJg, t) }
func (a *Assembler) Jge(t Target) { a.jump(OpJge, t) }
func (a *Assembler) Jbe(t Target) { a.jump(OpJbe, t) }
func (a *Assembler) Jz(t Target)  { a.jump(OpJz, t) }
func (a *Assembler) Jnz(t Target) { a.jump(OpJnz, t) }
func (a *Assembler) Jo(t Target)  { a.jump(OpJo, t) }

// JmpOpnd jumps to the address held in o.
func (a *Assembler) JmpOpnd(o Opnd) {
	a.pushParts(OpJmpOpnd, []Opnd{o}, nil, "")
}

// The CSel family returns truthy when the condition of the last comparison
// holds and falsy otherwise.

func (a *Assembler) CSelZ(truthy, falsy Opnd) Opnd {
	return a.pushParts(OpCSelZ, []Opnd{truthy, falsy}, nil, "")
}

func (a *Assembler) CSelNZ(truthy, falsy Opnd) Opnd {
	return a.pushParts(OpCSelNZ, []Opnd{truthy, falsy}, nil, "")
}

func (a *Assembler) CSelE(truthy, falsy Opnd) Opnd {
	return a.pushParts(OpCSelE, []Opnd{truthy, falsy}, nil, "")
}

func (a *Assembler) CSelNE(truthy, falsy Opnd) Opnd {
	return a.pushParts(OpCSelNE, []Opnd{truthy, falsy}, nil, "")
}

func (a *Assembler) CSelL(truthy, falsy Opnd) Opnd {
	return a.pushParts(OpCSelL, []Opnd{truthy, falsy}, nil, "")
}

func (a *Assembler) CSelLE(truthy, falsy Opnd) Opnd {
	return a.pushParts(OpCSelLE, []Opnd{truthy, falsy}, nil, "")
}

func (a *Assembler) CSelG(truthy, falsy Opnd) Opnd {
	return a.pushParts(OpCSelG, []Opnd{truthy, falsy}, nil, "")
}

func (a *Assembler) CSelGE(truthy, falsy Opnd) Opnd {
	return a.pushParts(OpCSelGE, []Opnd{truthy, falsy}, nil, "")
}

// IncrCounter atomically adds value to the memory operand counter.
func (a *Assembler) IncrCounter(counter, value Opnd) {
	if _, ok := counter.(Mem); !ok {
		panic(fmt.Sprintf("ir: IncrCounter needs a memory operand, got %v", counter))
	}
	a.pushParts(OpIncrCounter, []Opnd{counter, value}, nil, "")
}

// CCall calls fn with args in the argument registers and returns the
// output in the return register. No allocated register may be live across
// the call.
func (a *Assembler) CCall(fn FuncPtr, args ...Opnd) Opnd {
	return a.pushParts(OpCCall, args, fn, "")
}

// CRet returns o from generated code.
func (a *Assembler) CRet(o Opnd) {
	a.pushParts(OpCRet, []Opnd{o}, nil, "")
}

func (a *Assembler) CPush(o Opnd) {
	a.pushParts(OpCPush, []Opnd{o}, nil, "")
}

func (a *Assembler) CPop() Opnd {
	return a.pushParts(OpCPop, nil, nil, "")
}

// CPopInto pops into an existing register.
func (a *Assembler) CPopInto(o Opnd) {
	a.pushParts(OpCPopInto, []Opnd{o}, nil, "")
}

func (a *Assembler) CPushAll() { a.pushParts(OpCPushAll, nil, nil, "") }
func (a *Assembler) CPopAll()  { a.pushParts(OpCPopAll, nil, nil, "") }

// LiveReg claims r for as long as the returned output is in use.
func (a *Assembler) LiveReg(r Reg) Opnd {
	return a.pushParts(OpLiveReg, []Opnd{r}, nil, "")
}

func (a *Assembler) Breakpoint() { a.pushParts(OpBreakpoint, nil, nil, "") }

// Comment records text at the current position of the emitted code.
func (a *Assembler) Comment(text string) {
	a.pushParts(OpComment, nil, nil, text)
}

// BakeString writes s and a NUL byte into the instruction stream.
func (a *Assembler) BakeString(s string) {
	a.pushParts(OpBakeString, nil, nil, s)
}

// PosMarker calls fn with the position of the next instruction once the
// unit is linked.
func (a *Assembler) PosMarker(fn PosMarkerFunc) {
	a.push(Insn{Op: OpPosMarker, Out: None{}, Marker: fn})
}

func (a *Assembler) FrameSetup()    { a.pushParts(OpFrameSetup, nil, nil, "") }
func (a *Assembler) FrameTeardown() { a.pushParts(OpFrameTeardown, nil, nil, "") }
