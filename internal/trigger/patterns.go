package trigger

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// maxPatternsPerFile bounds how many signatures one file contributes so a
// generated file cannot flood the pattern collection.
const maxPatternsPerFile = 50

// Pattern is one extracted declaration signature.
type Pattern struct {
	Kind      string `json:"kind"` // function, method, type, class
	Name      string `json:"name"`
	Signature string `json:"signature"`
	Language  string `json:"language"`
}

func grammarFor(language string) *sitter.Language {
	switch language {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	}
	return nil
}

// ExtractPatterns parses source content and returns the declaration
// signatures found in it: functions, methods, types and classes. Unsupported
// languages return nil without error; parse failures are swallowed since
// pattern capture is best-effort.
func ExtractPatterns(ctx context.Context, content, language string) []Pattern {
	grammar := grammarFor(language)
	if grammar == nil || content == "" {
		return nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(grammar)
	tree, err := parser.ParseCtx(ctx, nil, []byte(content))
	if err != nil || tree == nil {
		return nil
	}
	defer tree.Close()

	src := []byte(content)
	var patterns []Pattern
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil || len(patterns) >= maxPatternsPerFile {
			return
		}
		if p, ok := patternFromNode(n, src, language); ok {
			patterns = append(patterns, p)
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(tree.RootNode())
	return patterns
}

func patternFromNode(n *sitter.Node, src []byte, language string) (Pattern, bool) {
	switch n.Type() {
	case "function_declaration": // go, javascript, typescript
		name := fieldContent(n, "name", src)
		if name == "" {
			return Pattern{}, false
		}
		sig := "func " + name + fieldContent(n, "parameters", src)
		if language != "go" {
			sig = "function " + name + fieldContent(n, "parameters", src)
		} else if res := fieldContent(n, "result", src); res != "" {
			sig += " " + res
		}
		return Pattern{Kind: "function", Name: name, Signature: sig, Language: language}, true

	case "method_declaration": // go
		name := fieldContent(n, "name", src)
		if name == "" {
			return Pattern{}, false
		}
		sig := "func " + fieldContent(n, "receiver", src) + " " + name + fieldContent(n, "parameters", src)
		if res := fieldContent(n, "result", src); res != "" {
			sig += " " + res
		}
		return Pattern{Kind: "method", Name: name, Signature: sig, Language: language}, true

	case "type_spec": // go
		name := fieldContent(n, "name", src)
		if name == "" {
			return Pattern{}, false
		}
		kind := "type"
		if t := n.ChildByFieldName("type"); t != nil {
			switch t.Type() {
			case "struct_type":
				kind = "struct"
			case "interface_type":
				kind = "interface"
			}
		}
		return Pattern{Kind: "type", Name: name, Signature: "type " + name + " " + kind, Language: language}, true

	case "function_definition": // python
		name := fieldContent(n, "name", src)
		if name == "" {
			return Pattern{}, false
		}
		sig := "def " + name + fieldContent(n, "parameters", src)
		return Pattern{Kind: "function", Name: name, Signature: sig, Language: language}, true

	case "class_definition": // python
		name := fieldContent(n, "name", src)
		if name == "" {
			return Pattern{}, false
		}
		return Pattern{Kind: "class", Name: name, Signature: "class " + name, Language: language}, true

	case "class_declaration": // javascript, typescript
		name := fieldContent(n, "name", src)
		if name == "" {
			return Pattern{}, false
		}
		return Pattern{Kind: "class", Name: name, Signature: "class " + name, Language: language}, true

	case "method_definition": // javascript, typescript
		name := fieldContent(n, "name", src)
		if name == "" {
			return Pattern{}, false
		}
		sig := name + fieldContent(n, "parameters", src)
		return Pattern{Kind: "method", Name: name, Signature: sig, Language: language}, true

	case "lexical_declaration": // const f = (...) => in javascript/typescript
		for i := 0; i < int(n.ChildCount()); i++ {
			decl := n.Child(i)
			if decl.Type() != "variable_declarator" {
				continue
			}
			value := decl.ChildByFieldName("value")
			if value == nil || value.Type() != "arrow_function" {
				continue
			}
			name := fieldContent(decl, "name", src)
			if name == "" {
				continue
			}
			sig := "const " + name + " = " + fieldContent(value, "parameters", src) + " =>"
			return Pattern{Kind: "function", Name: name, Signature: sig, Language: language}, true
		}
	}
	return Pattern{}, false
}

func fieldContent(n *sitter.Node, field string, src []byte) string {
	child := n.ChildByFieldName(field)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Content(src))
}
