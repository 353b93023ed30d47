package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tinyrange/jit/internal/ir"
)

// program is a small unit built against the platform calling convention.
// args are the integer argument registers in order. The arguments listed in
// scratch receive the address of a zeroed 8-byte cell instead of a value
// from the command line.
type program struct {
	name    string
	help    string
	arity   int
	scratch []int
	build   func(a *ir.Assembler, args []ir.Reg)
}

var programs = []program{
	{
		name:  "add",
		help:  "return a + b",
		arity: 2,
		build: func(a *ir.Assembler, args []ir.Reg) {
			a.CRet(a.Add(args[0], args[1]))
		},
	},
	{
		name:    "add_add_store",
		help:    "store (a+1)+2 to the 8 bytes at address b",
		arity:   2,
		scratch: []int{1},
		build: func(a *ir.Assembler, args []ir.Reg) {
			a.Comment("(a+1)+2")
			v := a.Add(args[0], ir.UImm(1))
			v = a.Add(v, ir.UImm(2))
			a.Comment("store")
			a.Store(ir.NewMem(64, args[1], 0), v)
			a.CRet(ir.Imm(0))
		},
	},
	{
		name:  "max",
		help:  "return the larger of the signed values a and b",
		arity: 2,
		build: func(a *ir.Assembler, args []ir.Reg) {
			a.Cmp(args[0], args[1])
			a.CRet(a.CSelG(args[0], args[1]))
		},
	},
	{
		name:  "abs",
		help:  "return the absolute value of the signed value a",
		arity: 1,
		build: func(a *ir.Assembler, args []ir.Reg) {
			neg := a.Sub(ir.Imm(0), args[0])
			a.Cmp(args[0], ir.Imm(0))
			a.CRet(a.CSelL(neg, args[0]))
		},
	},
	{
		name:    "counter",
		help:    "atomically increment the counter at address a and return 0",
		arity:   1,
		scratch: []int{0},
		build: func(a *ir.Assembler, args []ir.Reg) {
			a.IncrCounter(ir.NewMem(64, args[0], 0), ir.UImm(1))
			a.CRet(ir.Imm(0))
		},
	},
	{
		name:  "mask",
		help:  "return the low byte of a shifted left by 4",
		arity: 1,
		build: func(a *ir.Assembler, args []ir.Reg) {
			low := a.And(args[0], ir.UImm(0xff))
			a.CRet(a.Lsh(low, ir.UImm(4)))
		},
	},
	{
		name:  "clamp",
		help:  "return a when it is below 100, 100 otherwise",
		arity: 1,
		build: func(a *ir.Assembler, args []ir.Reg) {
			done := a.NewLabel("done")
			a.Comment("fast path")
			a.Cmp(args[0], ir.UImm(100))
			a.Jl(done)
			a.CRet(ir.UImm(100))
			a.WriteLabel(done)
			a.Comment("in range")
			a.CRet(args[0])
		},
	},
}

func lookupProgram(name string) (program, error) {
	i := slices.IndexFunc(programs, func(p program) bool { return p.name == name })
	if i < 0 {
		names := make([]string, len(programs))
		for i, p := range programs {
			names[i] = p.name
		}
		return program{}, fmt.Errorf("unknown program %q (have %s)", name, strings.Join(names, ", "))
	}
	return programs[i], nil
}

// argRegs maps the encoder's argument register numbers to IR registers.
func argRegs(nums []int) []ir.Reg {
	regs := make([]ir.Reg, len(nums))
	for i, n := range nums {
		regs[i] = ir.Reg{Num: uint8(n), Bits: 64}
	}
	return regs
}
