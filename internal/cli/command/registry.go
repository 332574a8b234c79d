package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "sandbox",
			Action:       "execute",
			Method:       "POST",
			PathTemplate: "/api/sandbox/execute",
			Fields: []Field{
				{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, Required: true},
				{Name: "code", Prompt: "code", Type: FieldString, Required: false},
				{Name: "code_file", Aliases: []string{"file"}, Prompt: "code_file", Type: FieldFile, Required: false},
				{Name: "input", Prompt: "input", Type: FieldString, Required: false},
				{Name: "expected", Aliases: []string{"output"}, Prompt: "expected", Type: FieldString, Required: false},
				{Name: "testcases_json", Prompt: "testcases_json", Type: FieldJSON, Required: false},
				{Name: "testcases_file", Prompt: "testcases_file", Type: FieldFile, Required: false},
				{Name: "time_limit", Prompt: "time_limit_ms", Type: FieldInt, Required: false},
				{Name: "memory_limit", Prompt: "memory_limit", Type: FieldString, Required: false},
			},
		},
		{
			Service:      "sandbox",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/api/sandbox/status",
		},
		{
			Service:      "sandbox",
			Action:       "health",
			Method:       "GET",
			PathTemplate: "/api/sandbox/health",
		},
		{
			Service:      "submit",
			Action:       "create",
			Method:       "POST",
			PathTemplate: "/api/judge/submissions",
			Fields: []Field{
				{Name: "user_id", Aliases: []string{"user"}, Prompt: "user_id", Type: FieldString, Required: true},
				{Name: "problem_id", Aliases: []string{"problem"}, Prompt: "problem_id", Type: FieldInt, Required: true},
				{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, Required: true},
				{Name: "code", Prompt: "code", Type: FieldString, Required: false},
				{Name: "code_file", Aliases: []string{"file"}, Prompt: "code_file", Type: FieldFile, Required: false},
				{Name: "idempotency_key", Prompt: "idempotency_key", Type: FieldString, Required: false},
			},
		},
		{
			Service:      "submit",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/api/judge/submissions/:id",
			Fields: []Field{
				{Name: "id", Prompt: "submission_id", Type: FieldString, Required: false},
			},
		},
	}

	registry := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		registry[fmt.Sprintf("%s %s", cmd.Service, cmd.Action)] = cmd
	}
	return registry
}

// BuildRequest turns a command plus parsed params into an HTTP request.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	headers := map[string]string{}
	if cmd.Service == "submit" && cmd.Action == "create" {
		headers["Idempotency-Key"] = params.Get("idempotency_key")
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	if strings.Contains(path, ":id") {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, ":id", value)
	}
	return path, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch {
	case cmd.Service == "sandbox" && cmd.Action == "execute":
		return buildExecutePayload(params)
	case cmd.Service == "submit" && cmd.Action == "create":
		return buildSubmitPayload(params)
	}
	return nil, nil
}

func buildExecutePayload(params Params) (interface{}, error) {
	code, err := resolveCode(params)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"code":     code,
		"language": params.Get("language"),
	}

	testcases, err := resolveTestcases(params)
	if err != nil {
		return nil, err
	}
	if testcases != nil {
		payload["testcases"] = testcases
	}

	if raw := params.Get("time_limit"); raw != "" {
		limit, err := ParseInt(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid time_limit: %w", err)
		}
		payload["timeLimit"] = limit
	}
	if raw := params.Get("memory_limit"); raw != "" {
		payload["memoryLimit"] = raw
	}
	return payload, nil
}

// resolveTestcases prefers an explicit testcase list; the input/expected
// pair is the single-testcase shorthand.
func resolveTestcases(params Params) (interface{}, error) {
	raw := params.Get("testcases_json")
	if raw == "" && params.Get("testcases_file") != "" {
		content, err := ReadFile(params.Get("testcases_file"))
		if err != nil {
			return nil, err
		}
		raw = content
	}
	if raw != "" {
		list, err := ParseJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid testcases: %w", err)
		}
		return list, nil
	}
	if params.Get("input") == "" && params.Get("expected") == "" {
		return nil, nil
	}
	return []map[string]interface{}{
		{
			"id":     "cli-1",
			"input":  params.Get("input"),
			"output": params.Get("expected"),
			"point":  100,
		},
	}, nil
}

func buildSubmitPayload(params Params) (interface{}, error) {
	code, err := resolveCode(params)
	if err != nil {
		return nil, err
	}
	problemID, err := ParseInt(params.Get("problem_id"))
	if err != nil {
		return nil, fmt.Errorf("invalid problem_id: %w", err)
	}
	return map[string]interface{}{
		"userId":    params.Get("user_id"),
		"problemId": problemID,
		"language":  params.Get("language"),
		"code":      code,
	}, nil
}

func resolveCode(params Params) (string, error) {
	if code := params.Get("code"); code != "" {
		return code, nil
	}
	if path := params.Get("code_file"); path != "" {
		return ReadFile(path)
	}
	return "", fmt.Errorf("code or code_file is required")
}
