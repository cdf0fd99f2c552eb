package console

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Frame type discriminators used on the console protocol.
const (
	TypeCommand         = "command"
	TypeLuaDebugger     = "lua_debugger"
	TypeScript          = "script"
	TypeIdentify        = "stingray_identify"
	TypeMessage         = "message"
	TypeCompiler        = "compiler"
	TypeCompileProgress = "compile_progress"
)

// Frame is one inbound text frame that parsed as a JSON object with a
// "type" field. Raw holds the frame bytes with any NUL padding stripped.
type Frame struct {
	Type string
	Raw  []byte
}

// decodeFrame strips trailing NUL padding and validates that the frame is
// a JSON object carrying a type discriminator. ok is false for anything
// else; such frames are dropped by the read loop.
func decodeFrame(b []byte) (Frame, bool) {
	b = bytes.TrimRight(b, "\x00")
	if !gjson.ValidBytes(b) {
		return Frame{}, false
	}
	parsed := gjson.ParseBytes(b)
	if !parsed.IsObject() {
		return Frame{}, false
	}
	typ := parsed.Get("type")
	if typ.Type != gjson.String || typ.String() == "" {
		return Frame{}, false
	}
	return Frame{Type: typ.String(), Raw: b}, true
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// CommandMessage is an outbound console command, correlated by ID.
type CommandMessage struct {
	Type    string   `json:"type"`
	ID      string   `json:"id"`
	Command string   `json:"command"`
	Arg     []string `json:"arg"`
}

func NewCommand(command string, args ...string) CommandMessage {
	if args == nil {
		args = []string{}
	}
	return CommandMessage{
		Type:    TypeCommand,
		ID:      uuid.NewString(),
		Command: command,
		Arg:     args,
	}
}

// LuaDebuggerMessage is an outbound debugger control message. The engine
// halts on a breakpoint when a debugger attaches, so the registry sends
// {command: "continue"} on every fresh instance connection.
type LuaDebuggerMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

func NewLuaDebuggerCommand(command string) LuaDebuggerMessage {
	return LuaDebuggerMessage{Type: TypeLuaDebugger, Command: command}
}

// ScriptMessage executes a Lua snippet on the remote endpoint.
type ScriptMessage struct {
	Type   string `json:"type"`
	Script string `json:"script"`
}

func NewScript(script string) ScriptMessage {
	return ScriptMessage{Type: TypeScript, Script: script}
}

// IdentifyInfo is the static metadata an endpoint reports about itself.
// Every field is optional on the wire; absent fields are left zero or nil.
type IdentifyInfo struct {
	Argv            []string `json:"argv,omitempty"`
	Build           string   `json:"build,omitempty"`
	BuildIdentifier string   `json:"build_identifier,omitempty"`
	Bundled         *bool    `json:"bundled,omitempty"`
	ConsolePort     *int     `json:"console_port,omitempty"`
	ProcessID       string   `json:"process_id,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	Platform        string   `json:"platform,omitempty"`
	TimeSinceLaunch *float64 `json:"time_since_launch,omitempty"`
	JIT             *bool    `json:"jit,omitempty"`
}

type identifyMessage struct {
	Type string        `json:"type"`
	Info *IdentifyInfo `json:"info,omitempty"`
}

// LogMessage is an inbound engine log line.
type LogMessage struct {
	Type         string `json:"type"`
	Level        string `json:"level,omitempty"`
	System       string `json:"system,omitempty"`
	Message      string `json:"message"`
	LuaCallstack string `json:"lua_callstack,omitempty"`
	MessageType  string `json:"message_type,omitempty"`
}

// CompilerMessage reports compile request lifecycle, correlated by ID.
type CompilerMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Start    bool   `json:"start,omitempty"`
	Finished bool   `json:"finished,omitempty"`
	Status   string `json:"status,omitempty"`
}

// CompileProgress reports per-file progress of a running compile.
type CompileProgress struct {
	Type  string `json:"type"`
	I     int    `json:"i"`
	Count int    `json:"count"`
	File  string `json:"file,omitempty"`
	Done  bool   `json:"done"`
}
