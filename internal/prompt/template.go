package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// Context — контекст для рендеринга запроса к агенту.
type Context struct {
	// Task — описание задачи flow.
	Task string `json:"task"`

	// Input — задача текущего node.
	Input string `json:"input"`

	// TriggerInput — описание события, запустившего run.
	TriggerInput string `json:"triggerInput,omitempty"`

	// ThreadLevel — глубина node в дереве.
	ThreadLevel int `json:"threadLevel"`

	// Ancestors — предки node, от корня к родителю.
	Ancestors []Frame `json:"ancestors,omitempty"`

	// Children — итоги завершённых дочерних node.
	Children []ChildOutcome `json:"children,omitempty"`

	// History — сообщения run в порядке записи.
	History []Turn `json:"history,omitempty"`

	Step     int `json:"step"`
	MaxSteps int `json:"maxSteps"`

	// Vars — дополнительные значения, задаваемые агентом.
	Vars map[string]string `json:"vars,omitempty"`
}

// Frame — предок в цепочке node.
type Frame struct {
	Level  int    `json:"level"`
	Input  string `json:"input"`
	Status string `json:"status"`
}

// ChildOutcome — итог дочернего node.
type ChildOutcome struct {
	Index  int    `json:"index"`
	Input  string `json:"input"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Turn — одно сообщение истории.
type Turn struct {
	Segment string `json:"segment"`
	Role    string `json:"role"`
	Text    string `json:"text"`
}

// SetVar устанавливает дополнительное значение.
func (c *Context) SetVar(key, value string) {
	if c.Vars == nil {
		c.Vars = make(map[string]string)
	}
	c.Vars[key] = value
}

// StepsLeft возвращает число оставшихся шагов (0, если лимита нет).
func (c *Context) StepsLeft() int {
	if c.MaxSteps <= 0 || c.Step >= c.MaxSteps {
		return 0
	}
	return c.MaxSteps - c.Step
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — значение по умолчанию для пустой строки
	"default": func(def, val string) string {
		if strings.TrimSpace(val) == "" {
			return def
		}
		return val
	},

	// truncate — обрезает строку до n символов
	"truncate": func(n int, s string) string {
		r := []rune(s)
		if n <= 0 || len(r) <= n {
			return s
		}
		return string(r[:n]) + "..."
	},

	// indent — добавляет отступ к каждой строке
	"indent": func(n int, s string) string {
		pad := strings.Repeat(" ", n)
		return pad + strings.ReplaceAll(s, "\n", "\n"+pad)
	},

	"add":   func(a, b int) int { return a + b },
	"join":  func(sep string, items []string) string { return strings.Join(items, sep) },
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,
}

// Template — пара шаблонов: системный промпт и сообщение пользователя.
type Template struct {
	system *template.Template
	user   *template.Template
}

// Parse компилирует шаблоны.
func Parse(system, user string) (*Template, error) {
	sys, err := template.New("system").Funcs(templateFuncs).Parse(system)
	if err != nil {
		return nil, fmt.Errorf("%w: system: %v", ErrTemplateParse, err)
	}
	usr, err := template.New("user").Funcs(templateFuncs).Parse(user)
	if err != nil {
		return nil, fmt.Errorf("%w: user: %v", ErrTemplateParse, err)
	}
	return &Template{system: sys, user: usr}, nil
}

// MustParse — Parse, паникующий при ошибке. Для шаблонов, заданных в коде.
func MustParse(system, user string) *Template {
	t, err := Parse(system, user)
	if err != nil {
		panic(err)
	}
	return t
}

// Render возвращает системный промпт и сообщение пользователя.
func (t *Template) Render(ctx *Context) (system, user string, err error) {
	system, err = execute(t.system, ctx)
	if err != nil {
		return "", "", err
	}
	user, err = execute(t.user, ctx)
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}

func execute(t *template.Template, ctx *Context) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrTemplateRender, t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Render рендерит одиночный строковый шаблон.
// Строка без "{{" возвращается как есть.
func Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	return execute(t, ctx)
}
