// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cil

// OperandType describes the inline operand following an opcode.
type OperandType uint8

const (
	InlineNone OperandType = iota
	ShortInlineBrTarget
	InlineBrTarget
	ShortInlineI
	InlineI
	InlineI8
	ShortInlineR
	InlineR
	InlineString
	InlineMethod
	InlineField
	InlineType
	InlineTok
	InlineSig
	InlineSwitch
	ShortInlineVar
	InlineVar
	ShortInlineArg
	InlineArg
)

// FlowControl classifies how an instruction affects control flow.
type FlowControl uint8

const (
	FlowNext FlowControl = iota
	FlowBranch
	FlowCondBranch
	FlowCall
	FlowReturn
	FlowThrow
	FlowBreak
	FlowMeta
)

// varStack marks a variable pop or push count that depends on the operand.
const varStack = -1

// OpCode describes one CIL instruction kind. OpCodes are singletons and are
// compared by pointer.
type OpCode struct {
	Name    string
	Value   uint16
	Operand OperandType
	Flow    FlowControl
	Pop     int
	Push    int
}

// Size returns the encoded size of the opcode itself.
func (o *OpCode) Size() int {
	if o.Value >= 0xFE00 {
		return 2
	}
	return 1
}

// OperandSize returns the encoded size of the inline operand. Switch
// operands are variable and report 4 (the count).
func (o *OpCode) OperandSize() int {
	switch o.Operand {
	case InlineNone:
		return 0
	case ShortInlineBrTarget, ShortInlineI, ShortInlineVar, ShortInlineArg:
		return 1
	case InlineVar, InlineArg:
		return 2
	case InlineI8, InlineR:
		return 8
	default:
		return 4
	}
}

func (o *OpCode) String() string { return o.Name }

func op(name string, value uint16, operand OperandType, flow FlowControl, pop, push int) *OpCode {
	return &OpCode{Name: name, Value: value, Operand: operand, Flow: flow, Pop: pop, Push: push}
}

var (
	Nop       = op("nop", 0x00, InlineNone, FlowNext, 0, 0)
	Break     = op("break", 0x01, InlineNone, FlowBreak, 0, 0)
	Ldarg0    = op("ldarg.0", 0x02, InlineNone, FlowNext, 0, 1)
	Ldarg1    = op("ldarg.1", 0x03, InlineNone, FlowNext, 0, 1)
	Ldarg2    = op("ldarg.2", 0x04, InlineNone, FlowNext, 0, 1)
	Ldarg3    = op("ldarg.3", 0x05, InlineNone, FlowNext, 0, 1)
	Ldloc0    = op("ldloc.0", 0x06, InlineNone, FlowNext, 0, 1)
	Ldloc1    = op("ldloc.1", 0x07, InlineNone, FlowNext, 0, 1)
	Ldloc2    = op("ldloc.2", 0x08, InlineNone, FlowNext, 0, 1)
	Ldloc3    = op("ldloc.3", 0x09, InlineNone, FlowNext, 0, 1)
	Stloc0    = op("stloc.0", 0x0A, InlineNone, FlowNext, 1, 0)
	Stloc1    = op("stloc.1", 0x0B, InlineNone, FlowNext, 1, 0)
	Stloc2    = op("stloc.2", 0x0C, InlineNone, FlowNext, 1, 0)
	Stloc3    = op("stloc.3", 0x0D, InlineNone, FlowNext, 1, 0)
	LdargS    = op("ldarg.s", 0x0E, ShortInlineArg, FlowNext, 0, 1)
	LdargaS   = op("ldarga.s", 0x0F, ShortInlineArg, FlowNext, 0, 1)
	StargS    = op("starg.s", 0x10, ShortInlineArg, FlowNext, 1, 0)
	LdlocS    = op("ldloc.s", 0x11, ShortInlineVar, FlowNext, 0, 1)
	LdlocaS   = op("ldloca.s", 0x12, ShortInlineVar, FlowNext, 0, 1)
	StlocS    = op("stloc.s", 0x13, ShortInlineVar, FlowNext, 1, 0)
	Ldnull    = op("ldnull", 0x14, InlineNone, FlowNext, 0, 1)
	LdcI4M1   = op("ldc.i4.m1", 0x15, InlineNone, FlowNext, 0, 1)
	LdcI40    = op("ldc.i4.0", 0x16, InlineNone, FlowNext, 0, 1)
	LdcI41    = op("ldc.i4.1", 0x17, InlineNone, FlowNext, 0, 1)
	LdcI42    = op("ldc.i4.2", 0x18, InlineNone, FlowNext, 0, 1)
	LdcI43    = op("ldc.i4.3", 0x19, InlineNone, FlowNext, 0, 1)
	LdcI44    = op("ldc.i4.4", 0x1A, InlineNone, FlowNext, 0, 1)
	LdcI45    = op("ldc.i4.5", 0x1B, InlineNone, FlowNext, 0, 1)
	LdcI46    = op("ldc.i4.6", 0x1C, InlineNone, FlowNext, 0, 1)
	LdcI47    = op("ldc.i4.7", 0x1D, InlineNone, FlowNext, 0, 1)
	LdcI48    = op("ldc.i4.8", 0x1E, InlineNone, FlowNext, 0, 1)
	LdcI4S    = op("ldc.i4.s", 0x1F, ShortInlineI, FlowNext, 0, 1)
	LdcI4     = op("ldc.i4", 0x20, InlineI, FlowNext, 0, 1)
	LdcI8     = op("ldc.i8", 0x21, InlineI8, FlowNext, 0, 1)
	LdcR4     = op("ldc.r4", 0x22, ShortInlineR, FlowNext, 0, 1)
	LdcR8     = op("ldc.r8", 0x23, InlineR, FlowNext, 0, 1)
	Dup       = op("dup", 0x25, InlineNone, FlowNext, 1, 2)
	Pop       = op("pop", 0x26, InlineNone, FlowNext, 1, 0)
	Jmp       = op("jmp", 0x27, InlineMethod, FlowCall, 0, 0)
	Call      = op("call", 0x28, InlineMethod, FlowCall, varStack, varStack)
	Calli     = op("calli", 0x29, InlineSig, FlowCall, varStack, varStack)
	Ret       = op("ret", 0x2A, InlineNone, FlowReturn, varStack, 0)
	BrS       = op("br.s", 0x2B, ShortInlineBrTarget, FlowBranch, 0, 0)
	BrfalseS  = op("brfalse.s", 0x2C, ShortInlineBrTarget, FlowCondBranch, 1, 0)
	BrtrueS   = op("brtrue.s", 0x2D, ShortInlineBrTarget, FlowCondBranch, 1, 0)
	BeqS      = op("beq.s", 0x2E, ShortInlineBrTarget, FlowCondBranch, 2, 0)
	BgeS      = op("bge.s", 0x2F, ShortInlineBrTarget, FlowCondBranch, 2, 0)
	BgtS      = op("bgt.s", 0x30, ShortInlineBrTarget, FlowCondBranch, 2, 0)
	BleS      = op("ble.s", 0x31, ShortInlineBrTarget, FlowCondBranch, 2, 0)
	BltS      = op("blt.s", 0x32, ShortInlineBrTarget, FlowCondBranch, 2, 0)
	BneUnS    = op("bne.un.s", 0x33, ShortInlineBrTarget, FlowCondBranch, 2, 0)
	BgeUnS    = op("bge.un.s", 0x34, ShortInlineBrTarget, FlowCondBranch, 2, 0)
	BgtUnS    = op("bgt.un.s", 0x35, ShortInlineBrTarget, FlowCondBranch, 2, 0)
	BleUnS    = op("ble.un.s", 0x36, ShortInlineBrTarget, FlowCondBranch, 2, 0)
	BltUnS    = op("blt.un.s", 0x37, ShortInlineBrTarget, FlowCondBranch, 2, 0)
	Br        = op("br", 0x38, InlineBrTarget, FlowBranch, 0, 0)
	Brfalse   = op("brfalse", 0x39, InlineBrTarget, FlowCondBranch, 1, 0)
	Brtrue    = op("brtrue", 0x3A, InlineBrTarget, FlowCondBranch, 1, 0)
	Beq       = op("beq", 0x3B, InlineBrTarget, FlowCondBranch, 2, 0)
	Bge       = op("bge", 0x3C, InlineBrTarget, FlowCondBranch, 2, 0)
	Bgt       = op("bgt", 0x3D, InlineBrTarget, FlowCondBranch, 2, 0)
	Ble       = op("ble", 0x3E, InlineBrTarget, FlowCondBranch, 2, 0)
	Blt       = op("blt", 0x3F, InlineBrTarget, FlowCondBranch, 2, 0)
	BneUn     = op("bne.un", 0x40, InlineBrTarget, FlowCondBranch, 2, 0)
	BgeUn     = op("bge.un", 0x41, InlineBrTarget, FlowCondBranch, 2, 0)
	BgtUn     = op("bgt.un", 0x42, InlineBrTarget, FlowCondBranch, 2, 0)
	BleUn     = op("ble.un", 0x43, InlineBrTarget, FlowCondBranch, 2, 0)
	BltUn     = op("blt.un", 0x44, InlineBrTarget, FlowCondBranch, 2, 0)
	Switch    = op("switch", 0x45, InlineSwitch, FlowCondBranch, 1, 0)
	LdindI1   = op("ldind.i1", 0x46, InlineNone, FlowNext, 1, 1)
	LdindU1   = op("ldind.u1", 0x47, InlineNone, FlowNext, 1, 1)
	LdindI2   = op("ldind.i2", 0x48, InlineNone, FlowNext, 1, 1)
	LdindU2   = op("ldind.u2", 0x49, InlineNone, FlowNext, 1, 1)
	LdindI4   = op("ldind.i4", 0x4A, InlineNone, FlowNext, 1, 1)
	LdindU4   = op("ldind.u4", 0x4B, InlineNone, FlowNext, 1, 1)
	LdindI8   = op("ldind.i8", 0x4C, InlineNone, FlowNext, 1, 1)
	LdindI    = op("ldind.i", 0x4D, InlineNone, FlowNext, 1, 1)
	LdindR4   = op("ldind.r4", 0x4E, InlineNone, FlowNext, 1, 1)
	LdindR8   = op("ldind.r8", 0x4F, InlineNone, FlowNext, 1, 1)
	LdindRef  = op("ldind.ref", 0x50, InlineNone, FlowNext, 1, 1)
	StindRef  = op("stind.ref", 0x51, InlineNone, FlowNext, 2, 0)
	StindI1   = op("stind.i1", 0x52, InlineNone, FlowNext, 2, 0)
	StindI2   = op("stind.i2", 0x53, InlineNone, FlowNext, 2, 0)
	StindI4   = op("stind.i4", 0x54, InlineNone, FlowNext, 2, 0)
	StindI8   = op("stind.i8", 0x55, InlineNone, FlowNext, 2, 0)
	StindR4   = op("stind.r4", 0x56, InlineNone, FlowNext, 2, 0)
	StindR8   = op("stind.r8", 0x57, InlineNone, FlowNext, 2, 0)
	Add       = op("add", 0x58, InlineNone, FlowNext, 2, 1)
	Sub       = op("sub", 0x59, InlineNone, FlowNext, 2, 1)
	Mul       = op("mul", 0x5A, InlineNone, FlowNext, 2, 1)
	Div       = op("div", 0x5B, InlineNone, FlowNext, 2, 1)
	DivUn     = op("div.un", 0x5C, InlineNone, FlowNext, 2, 1)
	Rem       = op("rem", 0x5D, InlineNone, FlowNext, 2, 1)
	RemUn     = op("rem.un", 0x5E, InlineNone, FlowNext, 2, 1)
	And       = op("and", 0x5F, InlineNone, FlowNext, 2, 1)
	Or        = op("or", 0x60, InlineNone, FlowNext, 2, 1)
	Xor       = op("xor", 0x61, InlineNone, FlowNext, 2, 1)
	Shl       = op("shl", 0x62, InlineNone, FlowNext, 2, 1)
	Shr       = op("shr", 0x63, InlineNone, FlowNext, 2, 1)
	ShrUn     = op("shr.un", 0x64, InlineNone, FlowNext, 2, 1)
	Neg       = op("neg", 0x65, InlineNone, FlowNext, 1, 1)
	Not       = op("not", 0x66, InlineNone, FlowNext, 1, 1)
	ConvI1    = op("conv.i1", 0x67, InlineNone, FlowNext, 1, 1)
	ConvI2    = op("conv.i2", 0x68, InlineNone, FlowNext, 1, 1)
	ConvI4    = op("conv.i4", 0x69, InlineNone, FlowNext, 1, 1)
	ConvI8    = op("conv.i8", 0x6A, InlineNone, FlowNext, 1, 1)
	ConvR4    = op("conv.r4", 0x6B, InlineNone, FlowNext, 1, 1)
	ConvR8    = op("conv.r8", 0x6C, InlineNone, FlowNext, 1, 1)
	ConvU4    = op("conv.u4", 0x6D, InlineNone, FlowNext, 1, 1)
	ConvU8    = op("conv.u8", 0x6E, InlineNone, FlowNext, 1, 1)
	Callvirt  = op("callvirt", 0x6F, InlineMethod, FlowCall, varStack, varStack)
	Cpobj     = op("cpobj", 0x70, InlineType, FlowNext, 2, 0)
	Ldobj     = op("ldobj", 0x71, InlineType, FlowNext, 1, 1)
	Ldstr     = op("ldstr", 0x72, InlineString, FlowNext, 0, 1)
	Newobj    = op("newobj", 0x73, InlineMethod, FlowCall, varStack, 1)
	Castclass = op("castclass", 0x74, InlineType, FlowNext, 1, 1)
	Isinst    = op("isinst", 0x75, InlineType, FlowNext, 1, 1)
	ConvRUn   = op("conv.r.un", 0x76, InlineNone, FlowNext, 1, 1)
	Unbox     = op("unbox", 0x79, InlineType, FlowNext, 1, 1)
	Throw     = op("throw", 0x7A, InlineNone, FlowThrow, 1, 0)
	Ldfld     = op("ldfld", 0x7B, InlineField, FlowNext, 1, 1)
	Ldflda    = op("ldflda", 0x7C, InlineField, FlowNext, 1, 1)
	Stfld     = op("stfld", 0x7D, InlineField, FlowNext, 2, 0)
	Ldsfld    = op("ldsfld", 0x7E, InlineField, FlowNext, 0, 1)
	Ldsflda   = op("ldsflda", 0x7F, InlineField, FlowNext, 0, 1)
	Stsfld    = op("stsfld", 0x80, InlineField, FlowNext, 1, 0)
	Stobj     = op("stobj", 0x81, InlineType, FlowNext, 2, 0)

	ConvOvfI1Un = op("conv.ovf.i1.un", 0x82, InlineNone, FlowNext, 1, 1)
	ConvOvfI2Un = op("conv.ovf.i2.un", 0x83, InlineNone, FlowNext, 1, 1)
	ConvOvfI4Un = op("conv.ovf.i4.un", 0x84, InlineNone, FlowNext, 1, 1)
	ConvOvfI8Un = op("conv.ovf.i8.un", 0x85, InlineNone, FlowNext, 1, 1)
	ConvOvfU1Un = op("conv.ovf.u1.un", 0x86, InlineNone, FlowNext, 1, 1)
	ConvOvfU2Un = op("conv.ovf.u2.un", 0x87, InlineNone, FlowNext, 1, 1)
	ConvOvfU4Un = op("conv.ovf.u4.un", 0x88, InlineNone, FlowNext, 1, 1)
	ConvOvfU8Un = op("conv.ovf.u8.un", 0x89, InlineNone, FlowNext, 1, 1)
	ConvOvfIUn  = op("conv.ovf.i.un", 0x8A, InlineNone, FlowNext, 1, 1)
	ConvOvfUUn  = op("conv.ovf.u.un", 0x8B, InlineNone, FlowNext, 1, 1)

	Box       = op("box", 0x8C, InlineType, FlowNext, 1, 1)
	Newarr    = op("newarr", 0x8D, InlineType, FlowNext, 1, 1)
	Ldlen     = op("ldlen", 0x8E, InlineNone, FlowNext, 1, 1)
	Ldelema   = op("ldelema", 0x8F, InlineType, FlowNext, 2, 1)
	LdelemI1  = op("ldelem.i1", 0x90, InlineNone, FlowNext, 2, 1)
	LdelemU1  = op("ldelem.u1", 0x91, InlineNone, FlowNext, 2, 1)
	LdelemI2  = op("ldelem.i2", 0x92, InlineNone, FlowNext, 2, 1)
	LdelemU2  = op("ldelem.u2", 0x93, InlineNone, FlowNext, 2, 1)
	LdelemI4  = op("ldelem.i4", 0x94, InlineNone, FlowNext, 2, 1)
	LdelemU4  = op("ldelem.u4", 0x95, InlineNone, FlowNext, 2, 1)
	LdelemI8  = op("ldelem.i8", 0x96, InlineNone, FlowNext, 2, 1)
	LdelemI   = op("ldelem.i", 0x97, InlineNone, FlowNext, 2, 1)
	LdelemR4  = op("ldelem.r4", 0x98, InlineNone, FlowNext, 2, 1)
	LdelemR8  = op("ldelem.r8", 0x99, InlineNone, FlowNext, 2, 1)
	LdelemRef = op("ldelem.ref", 0x9A, InlineNone, FlowNext, 2, 1)
	StelemI   = op("stelem.i", 0x9B, InlineNone, FlowNext, 3, 0)
	StelemI1  = op("stelem.i1", 0x9C, InlineNone, FlowNext, 3, 0)
	StelemI2  = op("stelem.i2", 0x9D, InlineNone, FlowNext, 3, 0)
	StelemI4  = op("stelem.i4", 0x9E, InlineNone, FlowNext, 3, 0)
	StelemI8  = op("stelem.i8", 0x9F, InlineNone, FlowNext, 3, 0)
	StelemR4  = op("stelem.r4", 0xA0, InlineNone, FlowNext, 3, 0)
	StelemR8  = op("stelem.r8", 0xA1, InlineNone, FlowNext, 3, 0)
	StelemRef = op("stelem.ref", 0xA2, InlineNone, FlowNext, 3, 0)
	LdelemAny = op("ldelem.any", 0xA3, InlineType, FlowNext, 2, 1)
	StelemAny = op("stelem.any", 0xA4, InlineType, FlowNext, 3, 0)
	UnboxAny  = op("unbox.any", 0xA5, InlineType, FlowNext, 1, 1)

	ConvOvfI1 = op("conv.ovf.i1", 0xB3, InlineNone, FlowNext, 1, 1)
	ConvOvfU1 = op("conv.ovf.u1", 0xB4, InlineNone, FlowNext, 1, 1)
	ConvOvfI2 = op("conv.ovf.i2", 0xB5, InlineNone, FlowNext, 1, 1)
	ConvOvfU2 = op("conv.ovf.u2", 0xB6, InlineNone, FlowNext, 1, 1)
	ConvOvfI4 = op("conv.ovf.i4", 0xB7, InlineNone, FlowNext, 1, 1)
	ConvOvfU4 = op("conv.ovf.u4", 0xB8, InlineNone, FlowNext, 1, 1)
	ConvOvfI8 = op("conv.ovf.i8", 0xB9, InlineNone, FlowNext, 1, 1)
	ConvOvfU8 = op("conv.ovf.u8", 0xBA, InlineNone, FlowNext, 1, 1)

	Refanyval  = op("refanyval", 0xC2, InlineType, FlowNext, 1, 1)
	Ckfinite   = op("ckfinite", 0xC3, InlineNone, FlowNext, 1, 1)
	Mkrefany   = op("mkrefany", 0xC6, InlineType, FlowNext, 1, 1)
	Ldtoken    = op("ldtoken", 0xD0, InlineTok, FlowNext, 0, 1)
	ConvU2     = op("conv.u2", 0xD1, InlineNone, FlowNext, 1, 1)
	ConvU1     = op("conv.u1", 0xD2, InlineNone, FlowNext, 1, 1)
	ConvI      = op("conv.i", 0xD3, InlineNone, FlowNext, 1, 1)
	ConvOvfI   = op("conv.ovf.i", 0xD4, InlineNone, FlowNext, 1, 1)
	ConvOvfU   = op("conv.ovf.u", 0xD5, InlineNone, FlowNext, 1, 1)
	AddOvf     = op("add.ovf", 0xD6, InlineNone, FlowNext, 2, 1)
	AddOvfUn   = op("add.ovf.un", 0xD7, InlineNone, FlowNext, 2, 1)
	MulOvf     = op("mul.ovf", 0xD8, InlineNone, FlowNext, 2, 1)
	MulOvfUn   = op("mul.ovf.un", 0xD9, InlineNone, FlowNext, 2, 1)
	SubOvf     = op("sub.ovf", 0xDA, InlineNone, FlowNext, 2, 1)
	SubOvfUn   = op("sub.ovf.un", 0xDB, InlineNone, FlowNext, 2, 1)
	Endfinally = op("endfinally", 0xDC, InlineNone, FlowReturn, 0, 0)
	Leave      = op("leave", 0xDD, InlineBrTarget, FlowBranch, 0, 0)
	LeaveS     = op("leave.s", 0xDE, ShortInlineBrTarget, FlowBranch, 0, 0)
	StindI     = op("stind.i", 0xDF, InlineNone, FlowNext, 2, 0)
	ConvU      = op("conv.u", 0xE0, InlineNone, FlowNext, 1, 1)

	Arglist     = op("arglist", 0xFE00, InlineNone, FlowNext, 0, 1)
	Ceq         = op("ceq", 0xFE01, InlineNone, FlowNext, 2, 1)
	Cgt         = op("cgt", 0xFE02, InlineNone, FlowNext, 2, 1)
	CgtUn       = op("cgt.un", 0xFE03, InlineNone, FlowNext, 2, 1)
	Clt         = op("clt", 0xFE04, InlineNone, FlowNext, 2, 1)
	CltUn       = op("clt.un", 0xFE05, InlineNone, FlowNext, 2, 1)
	Ldftn       = op("ldftn", 0xFE06, InlineMethod, FlowNext, 0, 1)
	Ldvirtftn   = op("ldvirtftn", 0xFE07, InlineMethod, FlowNext, 1, 1)
	Ldarg       = op("ldarg", 0xFE09, InlineArg, FlowNext, 0, 1)
	Ldarga      = op("ldarga", 0xFE0A, InlineArg, FlowNext, 0, 1)
	Starg       = op("starg", 0xFE0B, InlineArg, FlowNext, 1, 0)
	Ldloc       = op("ldloc", 0xFE0C, InlineVar, FlowNext, 0, 1)
	Ldloca      = op("ldloca", 0xFE0D, InlineVar, FlowNext, 0, 1)
	Stloc       = op("stloc", 0xFE0E, InlineVar, FlowNext, 1, 0)
	Localloc    = op("localloc", 0xFE0F, InlineNone, FlowNext, 1, 1)
	Endfilter   = op("endfilter", 0xFE11, InlineNone, FlowReturn, 1, 0)
	Unaligned   = op("unaligned.", 0xFE12, ShortInlineI, FlowMeta, 0, 0)
	Volatile    = op("volatile.", 0xFE13, InlineNone, FlowMeta, 0, 0)
	Tail        = op("tail.", 0xFE14, InlineNone, FlowMeta, 0, 0)
	Initobj     = op("initobj", 0xFE15, InlineType, FlowNext, 1, 0)
	Constrained = op("constrained.", 0xFE16, InlineType, FlowMeta, 0, 0)
	Cpblk       = op("cpblk", 0xFE17, InlineNone, FlowNext, 3, 0)
	Initblk     = op("initblk", 0xFE18, InlineNone, FlowNext, 3, 0)
	No          = op("no.", 0xFE19, ShortInlineI, FlowMeta, 0, 0)
	Rethrow     = op("rethrow", 0xFE1A, InlineNone, FlowThrow, 0, 0)
	Sizeof      = op("sizeof", 0xFE1C, InlineType, FlowNext, 0, 1)
	Refanytype  = op("refanytype", 0xFE1D, InlineNone, FlowNext, 1, 1)
	Readonly    = op("readonly.", 0xFE1E, InlineNone, FlowMeta, 0, 0)
)

var (
	oneByte [0xE1]*OpCode
	twoByte [0x1F]*OpCode
	byName  = make(map[string]*OpCode)
	// longForm maps short branch opcodes to their 32-bit counterparts.
	longForm = map[*OpCode]*OpCode{
		BrS: Br, BrfalseS: Brfalse, BrtrueS: Brtrue, BeqS: Beq, BgeS: Bge, BgtS: Bgt,
		BleS: Ble, BltS: Blt, BneUnS: BneUn, BgeUnS: BgeUn, BgtUnS: BgtUn, BleUnS: BleUn,
		BltUnS: BltUn, LeaveS: Leave,
	}
)

func init() {
	all := []*OpCode{
		Nop, Break, Ldarg0, Ldarg1, Ldarg2, Ldarg3, Ldloc0, Ldloc1, Ldloc2, Ldloc3,
		Stloc0, Stloc1, Stloc2, Stloc3, LdargS, LdargaS, StargS, LdlocS, LdlocaS, StlocS,
		Ldnull, LdcI4M1, LdcI40, LdcI41, LdcI42, LdcI43, LdcI44, LdcI45, LdcI46, LdcI47,
		LdcI48, LdcI4S, LdcI4, LdcI8, LdcR4, LdcR8, Dup, Pop, Jmp, Call, Calli, Ret,
		BrS, BrfalseS, BrtrueS, BeqS, BgeS, BgtS, BleS, BltS, BneUnS, BgeUnS, BgtUnS,
		BleUnS, BltUnS, Br, Brfalse, Brtrue, Beq, Bge, Bgt, Ble, Blt, BneUn, BgeUn, BgtUn,
		BleUn, BltUn, Switch, LdindI1, LdindU1, LdindI2, LdindU2, LdindI4, LdindU4,
		LdindI8, LdindI, LdindR4, LdindR8, LdindRef, StindRef, StindI1, StindI2, StindI4,
		StindI8, StindR4, StindR8, Add, Sub, Mul, Div, DivUn, Rem, RemUn, And, Or, Xor,
		Shl, Shr, ShrUn, Neg, Not, ConvI1, ConvI2, ConvI4, ConvI8, ConvR4, ConvR8, ConvU4,
		ConvU8, Callvirt, Cpobj, Ldobj, Ldstr, Newobj, Castclass, Isinst, ConvRUn, Unbox,
		Throw, Ldfld, Ldflda, Stfld, Ldsfld, Ldsflda, Stsfld, Stobj, ConvOvfI1Un,
		ConvOvfI2Un, ConvOvfI4Un, ConvOvfI8Un, ConvOvfU1Un, ConvOvfU2Un, ConvOvfU4Un,
		ConvOvfU8Un, ConvOvfIUn, ConvOvfUUn, Box, Newarr, Ldlen, Ldelema, LdelemI1,
		LdelemU1, LdelemI2, LdelemU2, LdelemI4, LdelemU4, LdelemI8, LdelemI, LdelemR4,
		LdelemR8, LdelemRef, StelemI, StelemI1, StelemI2, StelemI4, StelemI8, StelemR4,
		StelemR8, StelemRef, LdelemAny, StelemAny, UnboxAny, ConvOvfI1, ConvOvfU1,
		ConvOvfI2, ConvOvfU2, ConvOvfI4, ConvOvfU4, ConvOvfI8, ConvOvfU8, Refanyval,
		Ckfinite, Mkrefany, Ldtoken, ConvU2, ConvU1, ConvI, ConvOvfI, ConvOvfU, AddOvf,
		AddOvfUn, MulOvf, MulOvfUn, SubOvf, SubOvfUn, Endfinally, Leave, LeaveS, StindI,
		ConvU, Arglist, Ceq, Cgt, CgtUn, Clt, CltUn, Ldftn, Ldvirtftn, Ldarg, Ldarga,
		Starg, Ldloc, Ldloca, Stloc, Localloc, Endfilter, Unaligned, Volatile, Tail,
		Initobj, Constrained, Cpblk, Initblk, No, Rethrow, Sizeof, Refanytype, Readonly,
	}
	for _, o := range all {
		if o.Value >= 0xFE00 {
			twoByte[o.Value&0xFF] = o
		} else {
			oneByte[o.Value] = o
		}
		byName[o.Name] = o
	}
}

// Lookup returns the opcode with the given mnemonic.
func Lookup(name string) (*OpCode, bool) {
	o, ok := byName[name]
	return o, ok
}

// LongForm returns the long branch form of a short branch, or o itself.
func LongForm(o *OpCode) *OpCode {
	if l, ok := longForm[o]; ok {
		return l
	}
	return o
}
