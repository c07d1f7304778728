package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"showcase-sync-backend/pkg/client/schemas"
	"showcase-sync-backend/pkg/database"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBaseURL = "https://showcase-sync-backend/schemas/"

// 响应体 schema 名称（schemas 目录下的文件名）
const (
	schemaEnvelope  = "envelope.json"
	schemaKindSets  = "kind_sets.json"
	schemaKindItems = "kind_items.json"
	schemaCounts    = "counts.json"
	schemaRecords   = "records.json"
	schemaRefresh   = "refresh.json"
	schemaHealth    = "health.json"
)

var (
	schemaOnce sync.Once
	compiled   map[string]*jsonschema.Schema
	compileErr error
)

// loadSchemas 编译全部内嵌 schema；先注册全部资源，$ref 才能互相引用
func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true

		var names []string
		err := fs.WalkDir(schemas.FS, ".", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".json") {
				return nil
			}
			data, err := fs.ReadFile(schemas.FS, path)
			if err != nil {
				return err
			}
			if err := compiler.AddResource(schemaBaseURL+path, bytes.NewReader(data)); err != nil {
				return fmt.Errorf("add schema resource %s: %w", path, err)
			}
			names = append(names, path)
			return nil
		})
		if err != nil {
			compileErr = err
			return
		}

		out := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			schema, err := compiler.Compile(schemaBaseURL + name)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = schema
		}
		compiled = out
	})
	return compiled, compileErr
}

// validateJSON 按 schema 校验原始 JSON，失败时返回 database.ErrMalformedResponse
func validateJSON(name string, raw []byte) error {
	all, err := loadSchemas()
	if err != nil {
		return err
	}
	schema, ok := all[name]
	if !ok {
		return fmt.Errorf("schema %q not found", name)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: body is not valid JSON: %v", database.ErrMalformedResponse, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %s: %v", database.ErrMalformedResponse, strings.TrimSuffix(name, ".json"), err)
	}
	return nil
}
