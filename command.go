package proxyrotate

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"text/template"

	shellquote "github.com/kballard/go-shellquote"
)

// DefaultChpstPath is the default path to the chpst binary
const DefaultChpstPath = "chpst"

// DefaultCommandTemplate starts a gost forwarder listening on the instance
// port and chaining to the bound upstream. Under the shared policy the
// upstream addresses are passed as a random-strategy node group.
const DefaultCommandTemplate = `gost -L {{ quote .ListenURL }} -F {{ quote .Forward }}`

// CommandBuilder renders the worker command line for a WorkerSpec. The
// template output is split into words with shell rules, so values should go
// through the quote function.
type CommandBuilder struct {
	// Template is the command line template text
	Template string
	// Chpst, when set, runs the worker under chpst with these limits
	Chpst *ChpstBuilder
	// ChpstPath is the path to the chpst binary
	ChpstPath string

	tmpl *template.Template
}

// ChpstBuilder configures chpst options for the worker process
type ChpstBuilder struct {
	// User to run the worker as
	User string
	// Group to run the worker as
	Group string
	// Nice value for process priority
	Nice int
	// LimitMem sets memory limit in bytes
	LimitMem int64
	// LimitFiles sets maximum number of open files
	LimitFiles int
	// LimitProcs sets maximum number of processes
	LimitProcs int
}

// CommandData is what a command template sees. WorkerSpec fields and
// methods are promoted.
type CommandData struct {
	WorkerSpec
	// Upstream is the first upstream endpoint
	Upstream Endpoint
	// Forward is the -F argument for gost style workers
	Forward string
}

// NewCommandBuilder parses text, or DefaultCommandTemplate when text is empty
func NewCommandBuilder(text string) (*CommandBuilder, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultCommandTemplate
	}

	tmpl, err := template.New("worker").
		Funcs(template.FuncMap{
			"quote": func(s string) string { return shellquote.Join(s) },
			"join":  strings.Join,
		}).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing command template: %w", err)
	}

	return &CommandBuilder{
		Template:  text,
		ChpstPath: DefaultChpstPath,
		tmpl:      tmpl,
	}, nil
}

// WithChpst configures chpst wrapping
func (b *CommandBuilder) WithChpst(fn func(*ChpstBuilder)) *CommandBuilder {
	if b.Chpst == nil {
		b.Chpst = &ChpstBuilder{}
	}
	fn(b.Chpst)
	return b
}

// WithChpstPath sets the path to the chpst binary
func (b *CommandBuilder) WithChpstPath(path string) *CommandBuilder {
	b.ChpstPath = path
	return b
}

// Build renders the argv for spec
func (b *CommandBuilder) Build(spec WorkerSpec) ([]string, error) {
	if len(spec.Upstreams) == 0 {
		return nil, errors.New("worker spec has no upstreams")
	}

	data := CommandData{
		WorkerSpec: spec,
		Upstream:   spec.Upstreams[0],
		Forward:    forwardURL(spec.Upstreams),
	}

	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering command template: %w", err)
	}

	words, err := shellquote.Split(buf.String())
	if err != nil {
		return nil, fmt.Errorf("splitting command line: %w", err)
	}
	if len(words) == 0 {
		return nil, errors.New("command template rendered an empty command")
	}

	if b.Chpst == nil {
		return words, nil
	}

	chpst := b.Chpst.buildArgs()
	argv := make([]string, 0, 1+len(chpst)+len(words))
	argv = append(argv, b.ChpstPath)
	argv = append(argv, chpst...)
	argv = append(argv, words...)
	return argv, nil
}

// forwardURL renders the first upstream as a URL and, for several
// upstreams, appends the others as a node group
func forwardURL(upstreams []Endpoint) string {
	first := upstreams[0].URL()
	if len(upstreams) == 1 {
		return first
	}

	addrs := make([]string, 0, len(upstreams))
	for _, ep := range upstreams {
		addrs = append(addrs, ep.Address())
	}

	q := url.Values{}
	q.Set("ip", strings.Join(addrs, ","))
	q.Set("strategy", "random")
	return first + "?" + q.Encode()
}

// buildArgs constructs the command-line arguments for chpst
func (c *ChpstBuilder) buildArgs() []string {
	var args []string

	if c.User != "" {
		if c.Group != "" {
			args = append(args, "-u", c.User+":"+c.Group)
		} else {
			args = append(args, "-u", c.User)
		}
	}
	if c.Nice != 0 {
		args = append(args, "-n", strconv.Itoa(c.Nice))
	}
	if c.LimitMem > 0 {
		args = append(args, "-m", strconv.FormatInt(c.LimitMem, 10))
	}
	if c.LimitFiles > 0 {
		args = append(args, "-o", strconv.Itoa(c.LimitFiles))
	}
	if c.LimitProcs > 0 {
		args = append(args, "-p", strconv.Itoa(c.LimitProcs))
	}

	return args
}
