// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package testmodule

import (
	"github.com/dotandev/cilpatch/internal/cil"
	"github.com/dotandev/cilpatch/internal/metadata"
)

// Names used by the NuGet and Stubs fixtures.
const (
	PrimaryName = "NuGet"
	StubsName   = "shims"

	CommandType   = "NuGet.CommandLine.Command"
	ProgramType   = "NuGet.CommandLine.Program"
	OptionsType   = "NuGet.CommandLine.Program/Options"
	LocatorType   = "NuGet.CommandLine.ExtensionLocator"
	ProxyType     = "NuGet.CommandLine.ProxyCache"
	ProviderType  = "NuGet.CommandLine.SettingsProvider"
	StubNamespace = "NuGet.NetFxStubs"
)

// NuGet returns a module shaped like the parts of NuGet.exe that get patched:
//
//	Command::OutputNuGetVersion prints the assembly file version through
//	  Assembly.GetExecutingAssembly().Location and FileVersionInfo.
//	Program::Main calls Environment.GetEnvironmentVariable and
//	  Console.WriteLine(string).
//	ExtensionLocator::FindAll has a try/finally followed by an
//	  ldtoken Program anchor.
//	ProxyCache implements System.Net.IWebProxy.
//	SettingsProvider extends System.Configuration.ProviderBase.
//
// A non-empty fileVersion attaches a version resource.
func NuGet(fileVersion string) []byte {
	return nuget(fileVersion).Bytes()
}

// NuGetCompiled is NuGet laid out the way the C# compiler emits it, with
// .text, .rsrc and .reloc sections and a full header area.
func NuGetCompiled(fileVersion string) []byte {
	b := nuget(fileVersion)
	b.CompilerLayout = true
	return b.Bytes()
}

func nuget(fileVersion string) *Builder {
	b := New(PrimaryName)
	if fileVersion != "" {
		b.Version(fileVersion, [4]uint16{1, 0, 0, 0})
	}

	corlib := b.AssemblyRef("mscorlib", [4]uint16{4, 0, 0, 0})
	system := b.AssemblyRef("System", [4]uint16{4, 0, 0, 0})
	object := b.TypeRef(corlib, "System", "Object")
	assembly := b.TypeRef(corlib, "System.Reflection", "Assembly")
	fvi := b.TypeRef(system, "System.Diagnostics", "FileVersionInfo")
	console := b.TypeRef(corlib, "System", "Console")
	environment := b.TypeRef(corlib, "System", "Environment")
	typ := b.TypeRef(corlib, "System", "Type")
	handle := b.TypeRef(corlib, "System", "RuntimeTypeHandle")
	webProxy := b.TypeRef(system, "System.Net", "IWebProxy")
	providerBase := b.TypeRef(system, "System.Configuration", "ProviderBase")

	getExecuting := b.MemberRef(assembly, "GetExecutingAssembly", MethodSig(false, Class(assembly)))
	getLocation := b.MemberRef(assembly, "get_Location", MethodSig(true, String))
	getVersionInfo := b.MemberRef(fvi, "GetVersionInfo", MethodSig(false, Class(fvi), String))
	getFileVersion := b.MemberRef(fvi, "get_FileVersion", MethodSig(true, String))
	writeLine := b.MemberRef(console, "WriteLine", MethodSig(false, Void, String))
	getEnv := b.MemberRef(environment, "GetEnvironmentVariable", MethodSig(false, String, String))
	fromHandle := b.MemberRef(typ, "GetTypeFromHandle", MethodSig(false, Class(typ),
		&metadata.TypeSig{Kind: metadata.ElemValueType, Token: handle}))

	b.TypeDef("NuGet.CommandLine", "Command", object)
	locals := b.StandAloneSig(LocalSig(String, String))
	il := new(IL).
		Tok(cil.Call, getExecuting).
		Tok(cil.Callvirt, getLocation).
		Tok(cil.Call, getVersionInfo).
		Tok(cil.Callvirt, getFileVersion).
		Op(cil.Stloc1).
		Op(cil.Ldloc1).
		Tok(cil.Call, writeLine).
		Op(cil.Ret)
	b.Method("OutputNuGetVersion", MethodSig(true, Void), il.FatBody(8, locals))

	program := b.TypeDef("NuGet.CommandLine", "Program", object)
	home := b.UserString("NUGET_HOME")
	il = new(IL).
		Tok(cil.Ldstr, home).
		Tok(cil.Call, getEnv).
		Tok(cil.Call, writeLine).
		Op(cil.Ret)
	b.Method("Main", MethodSig(false, Void, &metadata.TypeSig{Kind: metadata.ElemSzArray, Elem: String}), il.Body(), "args")
	b.NestedType(program, "Options", object)

	b.TypeDef("NuGet.CommandLine", "ExtensionLocator", object)
	locals = b.StandAloneSig(LocalSig(Object))
	il = new(IL).
		Op(cil.Ldnull).
		Op(cil.Stloc0).
		Op(cil.Nop).
		I1(cil.LeaveS, 1).
		Op(cil.Endfinally).
		Tok(cil.Ldtoken, program).
		Tok(cil.Call, fromHandle).
		Op(cil.Pop).
		Op(cil.Ldloc0).
		Op(cil.Ret)
	b.Method("FindAll", MethodSig(false, Object), il.FatBody(1, locals, Clause{
		Flags: 2, TryOffset: 2, TryLength: 3, HandlerOffset: 5, HandlerLength: 1,
	}))

	proxy := b.TypeDef("NuGet.CommandLine", "ProxyCache", object)
	b.InterfaceImpl(proxy, webProxy)
	b.TypeDef("NuGet.CommandLine", "SettingsProvider", providerBase)

	return b
}

// Stubs returns a replacement-type module whose types live under
// StubNamespace. Environment.GetEnvironmentVariable matches the NuGet
// fixture exactly; Console.WriteLine takes object rather than string and so
// only nearly matches.
func Stubs() []byte {
	b := New(StubsName)
	corlib := b.AssemblyRef("mscorlib", [4]uint16{4, 0, 0, 0})
	object := b.TypeRef(corlib, "System", "Object")

	b.TypeDef(StubNamespace+".System", "Environment", object)
	b.Method("GetEnvironmentVariable", MethodSig(false, String, String),
		new(IL).Op(cil.Ldnull).Op(cil.Ret).Body(), "variable")

	b.TypeDef(StubNamespace+".System", "Console", object)
	b.Method("WriteLine", MethodSig(false, Void, Object), new(IL).Op(cil.Ret).Body(), "value")

	iface := b.TypeDef(StubNamespace+".System.Net", "IWebProxy", 0)
	b.Metadata().Table(metadata.TableTypeDef).Rows[iface.RID()-1][metadata.TypeDefFlags] = 0x000000A1

	b.TypeDef(StubNamespace+".System.Configuration", "ProviderBase", object)
	return b.Bytes()
}
