package repl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"judgebox/internal/cli/command"
	httpclient "judgebox/internal/cli/http"
	"judgebox/internal/cli/state"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const (
	defaultPrompt = "judgectl> "

	watchInterval = 2 * time.Second
	watchBudget   = 60 * time.Second
)

// Session holds REPL state.
type Session struct {
	client       *httpclient.Client
	commands     map[string]command.Command
	sessionState *state.SessionState
	statePath    string
	prettyJSON   bool
	rl           *readline.Instance
}

func New(client *httpclient.Client, commands map[string]command.Command, sessionState *state.SessionState, statePath string, prettyJSON bool) *Session {
	return &Session{
		client:       client,
		commands:     commands,
		sessionState: sessionState,
		statePath:    statePath,
		prettyJSON:   prettyJSON,
	}
}

func (s *Session) Run(ctx context.Context) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          defaultPrompt,
		HistoryFile:     filepath.Join(os.TempDir(), "judgectl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(s.commands),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init readline failed: %v\n", err)
		return
	}
	defer func() { _ = rl.Close() }()
	s.rl = rl

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		}
		if err == io.EOF {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if s.handleSystemCommand(ctx, line) {
			continue
		}

		if err := s.handleCommand(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
	s.printLine("bye")
}

func completer(commands map[string]command.Command) *readline.PrefixCompleter {
	actions := map[string][]readline.PrefixCompleterInterface{}
	for _, cmd := range commands {
		actions[cmd.Service] = append(actions[cmd.Service], readline.PcItem(cmd.Action))
	}
	items := make([]readline.PrefixCompleterInterface, 0, len(actions)+4)
	for service, sub := range actions {
		items = append(items, readline.PcItem(service, sub...))
	}
	items = append(items,
		readline.PcItem("watch"),
		readline.PcItem("set", readline.PcItem("base"), readline.PcItem("timeout")),
		readline.PcItem("show", readline.PcItem("state"), readline.PcItem("config")),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
	return readline.NewPrefixCompleter(items...)
}

func (s *Session) handleSystemCommand(ctx context.Context, line string) bool {
	switch line {
	case "exit", "quit":
		s.printLine("bye")
		os.Exit(0)
	case "help":
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true
	}
	if line == "watch" || strings.HasPrefix(line, "watch ") {
		s.handleWatch(ctx, strings.TrimSpace(strings.TrimPrefix(line, "watch")))
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8085")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "state":
		if s.sessionState.LastSubmissionID == "" {
			s.printLine("last submission: <none>")
			return
		}
		s.printLine("last submission: %s (%s)", s.sessionState.LastSubmissionID, s.sessionState.SubmittedAt.Format(time.RFC3339))
	case "config":
		s.printLine("statePath: %s", s.statePath)
	default:
		s.printLine("usage: show state|config")
	}
}

// handleWatch polls a submission until it reaches a terminal status.
func (s *Session) handleWatch(ctx context.Context, id string) {
	if id == "" {
		id = s.sessionState.LastSubmissionID
	}
	if id == "" {
		s.printLine("usage: watch <submission_id>")
		return
	}

	deadline := time.Now().Add(watchBudget)
	for {
		resp, err := s.client.Do(ctx, "GET", "/api/judge/submissions/"+id, nil, nil)
		if err != nil {
			s.printLine("watch failed: %v", err)
			return
		}
		status := extractStatus(resp.Body)
		s.printLine("[%s] %s", time.Now().Format("15:04:05"), status)
		if status != "PENDING" && status != "RUNNING" {
			s.renderResponse(resp)
			return
		}
		if time.Now().After(deadline) {
			s.printLine("watch timed out after %s", watchBudget)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchInterval):
		}
	}
}

func extractStatus(body []byte) string {
	var envelope struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "UNKNOWN"
	}
	if envelope.Data.Status == "" {
		return "UNKNOWN"
	}
	return envelope.Data.Status
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	service := tokens[0]
	action := tokens[1]
	key := fmt.Sprintf("%s %s", service, action)
	cmd, ok := s.commands[key]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", service, action)
	}
	params := command.Params{}
	for _, token := range tokens[2:] {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}

	s.applyParamShortcuts(cmd, params)
	if err := s.promptMissing(cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	s.updateStateFromResponse(cmd, resp.Body)
	return nil
}

func (s *Session) applyParamShortcuts(cmd command.Command, params command.Params) {
	if cmd.Service == "submit" && cmd.Action == "status" {
		if params.Get("id") == "" && s.sessionState.LastSubmissionID != "" {
			params.Set("id", s.sessionState.LastSubmissionID)
		}
	}
}

func (s *Session) promptMissing(cmd command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required {
			continue
		}
		if params.Has(field.Name) && params.Get(field.Name) != "" {
			continue
		}
		value, err := s.promptValue(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(prompt string) (string, error) {
	s.rl.SetPrompt(prompt + ": ")
	defer s.rl.SetPrompt(defaultPrompt)
	line, err := s.rl.Readline()
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

func (s *Session) updateStateFromResponse(cmd command.Command, body []byte) {
	if cmd.Service != "submit" || cmd.Action != "create" {
		return
	}
	var envelope struct {
		Data struct {
			SubmissionID string `json:"submissionId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return
	}
	if envelope.Data.SubmissionID == "" {
		return
	}
	s.sessionState.LastSubmissionID = envelope.Data.SubmissionID
	s.sessionState.SubmittedAt = time.Now()
	if err := state.Save(s.statePath, *s.sessionState); err != nil {
		s.printLine("save state failed: %v", err)
	}
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout | show state|config | watch [id]")
	s.printLine("examples:")
	s.printLine("  sandbox status")
	s.printLine("  sandbox execute language=python code_file=./main.py input=\"3 5\" expected=8")
	s.printLine("  submit create user_id=u1 problem_id=42 language=cpp code_file=./main.cpp")
	s.printLine("  submit status")
	s.printLine("  watch")
}

func (s *Session) printLine(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
