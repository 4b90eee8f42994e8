// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package module

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dotandev/cilpatch/internal/metadata"
)

var primitiveNames = map[metadata.ElementType]string{
	metadata.ElemVoid:       "System.Void",
	metadata.ElemBoolean:    "System.Boolean",
	metadata.ElemChar:       "System.Char",
	metadata.ElemI1:         "System.SByte",
	metadata.ElemU1:         "System.Byte",
	metadata.ElemI2:         "System.Int16",
	metadata.ElemU2:         "System.UInt16",
	metadata.ElemI4:         "System.Int32",
	metadata.ElemU4:         "System.UInt32",
	metadata.ElemI8:         "System.Int64",
	metadata.ElemU8:         "System.UInt64",
	metadata.ElemR4:         "System.Single",
	metadata.ElemR8:         "System.Double",
	metadata.ElemString:     "System.String",
	metadata.ElemTypedByRef: "System.TypedReference",
	metadata.ElemI:          "System.IntPtr",
	metadata.ElemU:          "System.UIntPtr",
	metadata.ElemObject:     "System.Object",
}

func qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

func join(parts []string) string { return strings.Join(parts, ",") }

func typeName(t Type) string {
	if t == nil {
		return ""
	}
	return t.FullName()
}

// sigName renders a signature type: System.* names for primitives, "[]" and
// "[,]" for arrays, "&" and "*" for by-refs and pointers, "<A,B>" for generic
// arguments and "!n" / "!!n" for type and method generic parameters.
func (m *Module) sigName(s *metadata.TypeSig) string {
	if s == nil {
		return ""
	}
	if n, ok := primitiveNames[s.Kind]; ok {
		return n
	}
	switch s.Kind {
	case metadata.ElemClass, metadata.ElemValueType:
		t, err := m.typeOf(s.Token)
		if err != nil {
			return fmt.Sprintf("<invalid %s>", s.Token)
		}
		return t.FullName()
	case metadata.ElemPtr:
		return m.sigName(s.Elem) + "*"
	case metadata.ElemByRef:
		return m.sigName(s.Elem) + "&"
	case metadata.ElemSzArray:
		return m.sigName(s.Elem) + "[]"
	case metadata.ElemArray:
		rank := int(s.Rank)
		if rank < 1 {
			rank = 1
		}
		return m.sigName(s.Elem) + "[" + strings.Repeat(",", rank-1) + "]"
	case metadata.ElemGenericInst:
		args := make([]string, len(s.Args))
		for i, a := range s.Args {
			args[i] = m.sigName(a)
		}
		return m.sigName(s.Elem) + "<" + join(args) + ">"
	case metadata.ElemVar:
		return "!" + strconv.Itoa(int(s.Index))
	case metadata.ElemMVar:
		return "!!" + strconv.Itoa(int(s.Index))
	case metadata.ElemCModReqd, metadata.ElemCModOpt:
		kind := "modopt"
		if s.Kind == metadata.ElemCModReqd {
			kind = "modreq"
		}
		mod, err := m.typeOf(s.Token)
		modName := fmt.Sprintf("<invalid %s>", s.Token)
		if err == nil {
			modName = mod.FullName()
		}
		return m.sigName(s.Elem) + " " + kind + "(" + modName + ")"
	case metadata.ElemPinned:
		return m.sigName(s.Elem) + " pinned"
	case metadata.ElemFnPtr:
		return "method " + m.methodName(s.Method, nil, "", "")
	}
	return fmt.Sprintf("<element 0x%02X>", byte(s.Kind))
}

// methodName renders "Ret Decl::Name<inst>(P1,P2)". Without a declaring type
// or name only "Ret *(P1,P2)" is produced, as for function pointers.
func (m *Module) methodName(sig *metadata.MethodSig, decl Type, name, inst string) string {
	var b strings.Builder
	b.WriteString(m.sigName(sig.Ret))
	b.WriteByte(' ')
	if decl != nil || name != "" {
		b.WriteString(typeName(decl))
		b.WriteString("::")
		b.WriteString(name)
		b.WriteString(inst)
	} else {
		b.WriteByte('*')
	}
	b.WriteByte('(')
	for i, p := range sig.Params {
		if i > 0 {
			b.WriteByte(',')
		}
		if i == sig.Sentinel {
			b.WriteString("...,")
		}
		b.WriteString(m.sigName(p))
	}
	b.WriteByte(')')
	return b.String()
}
