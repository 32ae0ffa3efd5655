package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"
	"go.uber.org/zap"

	"github.com/danhigham/telefleet/internal/domain"
)

// moduleGlobal holds the table returned by a module script.
const moduleGlobal = "__command"

// maxIdleStates bounds how many compiled states a module keeps between calls.
const maxIdleStates = 4

// luaModule runs one command script. A lua.State is not safe for concurrent
// use, so every call checks out a state of its own; concurrent calls from
// different sessions each get a separate state compiled from the same source.
type luaModule struct {
	name   string
	source string
	chunk  string
	logger *zap.Logger

	mu   sync.Mutex
	idle []*luaState
}

// luaState is one compiled copy of a module with its host functions bound.
type luaState struct {
	l    *lua.State
	call *luaCall
}

type luaCall struct {
	ctx context.Context
	inv *Invocation
}

// LoadModule compiles the script at path. The script must return a table
// with a non-empty string `name` and a function `run`; `alias` (a string or
// a list of strings) and `description` are optional.
func LoadModule(path string, logger *zap.Logger) (*Descriptor, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lua: %w", err)
	}
	m := &luaModule{source: string(src), chunk: "@" + path, logger: logger}
	st, err := m.compile()
	if err != nil {
		return nil, err
	}

	l := st.l
	l.Global(moduleGlobal)
	defer l.Pop(1)

	name := stringField(l, -1, "name")
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("module has no name")
	}
	l.Field(-1, "run")
	isFunc := l.IsFunction(-1)
	l.Pop(1)
	if !isFunc {
		return nil, fmt.Errorf("module %q has no run function", name)
	}

	d := &Descriptor{
		Name:        Fold(name),
		Aliases:     aliasField(l, -1),
		Description: stringField(l, -1, "description"),
		Source:      path,
		Handler:     m,
	}
	m.name = d.Name
	m.logger = logger.With(zap.String("command", d.Name))
	m.idle = append(m.idle, st)
	return d, nil
}

// compile builds a fresh state from the module source and stores the
// returned table in moduleGlobal.
func (m *luaModule) compile() (*luaState, error) {
	st := &luaState{l: lua.NewState()}
	l := st.l
	lua.OpenLibraries(l)
	m.registerHost(st)

	if err := lua.LoadBuffer(l, m.source, m.chunk, ""); err != nil {
		return nil, fmt.Errorf("load lua: %w", err)
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		return nil, fmt.Errorf("run lua: %w", err)
	}
	if !l.IsTable(-1) {
		return nil, errors.New("module must return a table")
	}
	l.SetGlobal(moduleGlobal)
	return st, nil
}

// acquire returns an idle state, compiling a new one when all are busy.
func (m *luaModule) acquire() (*luaState, error) {
	m.mu.Lock()
	if n := len(m.idle); n > 0 {
		st := m.idle[n-1]
		m.idle = m.idle[:n-1]
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()
	return m.compile()
}

func (m *luaModule) release(st *luaState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.idle) < maxIdleStates {
		m.idle = append(m.idle, st)
	}
}

func stringField(l *lua.State, index int, key string) string {
	l.Field(index, key)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeString {
		return ""
	}
	s, _ := l.ToString(-1)
	return s
}

func aliasField(l *lua.State, index int) []string {
	index = l.AbsIndex(index)
	l.Field(index, "alias")
	defer l.Pop(1)

	switch l.TypeOf(-1) {
	case lua.TypeString:
		s, _ := l.ToString(-1)
		return []string{Fold(s)}
	case lua.TypeTable:
		var out []string
		t := l.AbsIndex(-1)
		l.PushNil()
		for l.Next(t) {
			if l.TypeOf(-1) == lua.TypeString {
				s, _ := l.ToString(-1)
				if a := Fold(s); a != "" {
					out = append(out, a)
				}
			}
			l.Pop(1)
		}
		return out
	}
	return nil
}

// Run calls the module's run(ctx, args). A string return value is sent as a
// reply. Module-level locals live per compiled state, so they persist
// between sequential calls but are not shared by concurrent ones.
func (m *luaModule) Run(ctx context.Context, inv *Invocation) error {
	st, err := m.acquire()
	if err != nil {
		return fmt.Errorf("command %s: %w", m.name, err)
	}
	defer m.release(st)

	st.call = &luaCall{ctx: ctx, inv: inv}
	defer func() { st.call = nil }()

	l := st.l
	l.SetTop(0)
	l.Global(moduleGlobal)
	l.Field(-1, "run")
	pushContext(l, inv)
	pushArgs(l, inv.Args)
	if err := l.ProtectedCall(2, 1, 0); err != nil {
		return fmt.Errorf("command %s: %w", m.name, err)
	}

	if l.TypeOf(-1) == lua.TypeString {
		if s, _ := l.ToString(-1); s != "" {
			return inv.Reply(ctx, s)
		}
	}
	return nil
}

func pushContext(l *lua.State, inv *Invocation) {
	c := inv.Context
	l.NewTable()
	for k, v := range map[string]string{
		"chat":          inv.Message.ChatID,
		"chat_type":     string(c.ChatType),
		"body":          c.Body,
		"sender":        c.Sender,
		"text":          c.Text,
		"bot_id":        c.BotID,
		"sender_number": c.SenderNumber,
		"push_name":     c.PushName,
		"group_name":    c.GroupName,
		"command":       c.Command,
		"prefix":        c.Prefix,
		"time":          c.Time,
		"id":            c.CorrelationID,
	} {
		l.PushString(v)
		l.SetField(-2, k)
	}
	for k, v := range map[string]bool{
		"is_group":          c.IsGroup,
		"is_admin":          c.IsAdmin,
		"is_bot_admin":      c.IsBotAdmin,
		"is_owner":          c.IsOwner,
		"is_sudo":           c.IsSudo,
		"is_admin_or_owner": c.IsAdminOrOwner,
	} {
		l.PushBoolean(v)
		l.SetField(-2, k)
	}

	l.NewTable()
	for i, p := range c.Participants {
		l.NewTable()
		l.PushString(p.ID)
		l.SetField(-2, "id")
		l.PushString(p.Admin)
		l.SetField(-2, "admin")
		l.RawSetInt(-2, i+1)
	}
	l.SetField(-2, "participants")
}

func pushArgs(l *lua.State, args []string) {
	l.NewTable()
	for i, a := range args {
		l.PushString(a)
		l.RawSetInt(-2, i+1)
	}
}

func (m *luaModule) registerHost(st *luaState) {
	l := st.l
	l.Register("reply", func(l *lua.State) int {
		c := st.current(l)
		if err := c.inv.Reply(c.ctx, lua.CheckString(l, 1)); err != nil {
			lua.Errorf(l, "reply: %s", err.Error())
		}
		return 0
	})
	l.Register("send", func(l *lua.State) int {
		c := st.current(l)
		chat, text := lua.CheckString(l, 1), lua.CheckString(l, 2)
		if err := c.inv.Session.Send(c.ctx, chat, domain.OutboundMessage{Text: text}); err != nil {
			lua.Errorf(l, "send: %s", err.Error())
		}
		return 0
	})
	l.Register("react", func(l *lua.State) int {
		c := st.current(l)
		if err := c.inv.React(c.ctx, lua.CheckString(l, 1)); err != nil {
			lua.Errorf(l, "react: %s", err.Error())
		}
		return 0
	})
	l.Register("log", func(l *lua.State) int {
		m.logger.Info(lua.CheckString(l, 1))
		return 0
	})
}

func (st *luaState) current(l *lua.State) *luaCall {
	if st.call == nil {
		lua.Errorf(l, "not inside a command invocation")
	}
	return st.call
}
