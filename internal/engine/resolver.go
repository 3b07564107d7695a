package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/gorax/flowengine/internal/expression"
)

var (
	blockRefPattern = regexp.MustCompile(`<([^<>]+)>`)
	envRefPattern   = regexp.MustCompile(`\{\{([^{}]+)\}\}`)
	bracketIndex    = regexp.MustCompile(`\[(\d+)\]`)
)

// Block types recognized by InputResolver's contextual formatting rules.
// These are ordinary regular handler types (not part of model.go's reserved
// control set) singled out only because their config commonly embeds other
// blocks' output as interpolated code or JSON text, each needing different
// escaping.
const (
	BlockTypeFunction BlockType = "function"
	BlockTypeResponse BlockType = "response"
	BlockTypeAPI      BlockType = "api"
)

// ParamSchemaEntry describes one declared parameter of a block's config, as
// consulted by the InputResolver's type coercion and conditional
// sub-block filtering rules.
type ParamSchemaEntry struct {
	ID        string          `json:"id"`
	Type      string          `json:"type,omitempty"` // "string", "number", "boolean", "json", "plain"
	Condition *ParamCondition `json:"condition,omitempty"`
}

// ParamCondition gates inclusion of a parameter on the value of another
// parameter in the same block's config.
type ParamCondition struct {
	Field string          `json:"field"`
	Value interface{}     `json:"value"` // single value, or []interface{} to test membership
	Not   bool            `json:"not,omitempty"`
	And   *ParamCondition `json:"and,omitempty"`
}

// matches reports whether cond holds against the block's other config.
func (cond *ParamCondition) matches(config map[string]interface{}) bool {
	if cond == nil {
		return true
	}
	actual, present := config[cond.Field]
	ok := present && valueMatches(actual, cond.Value)
	if cond.Not {
		ok = !ok
	}
	if !ok {
		return false
	}
	if cond.And != nil {
		return cond.And.matches(config)
	}
	return true
}

func valueMatches(actual, expected interface{}) bool {
	if list, isList := expected.([]interface{}); isList {
		for _, v := range list {
			if fmt.Sprint(v) == fmt.Sprint(actual) {
				return true
			}
		}
		return false
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// InputResolver resolves a block's configured parameters against an
// ExecutionContext: reference grammar, accessibility rules, type coercion,
// contextual formatting, and conditional sub-block filtering.
type InputResolver struct {
	workflow  *Workflow
	conns     ConnectionUtils
	vbu       VirtualBlockUtils
	routing   Routing
	evaluator *expression.Evaluator
}

// NewInputResolver constructs a resolver bound to a workflow definition.
func NewInputResolver(wf *Workflow, evaluator *expression.Evaluator) *InputResolver {
	if evaluator == nil {
		evaluator = expression.NewEvaluator()
	}
	return &InputResolver{workflow: wf, evaluator: evaluator}
}

// triggerAliases lists the well-known trigger aliases. Each of them resolves
// to the workflow's single starter block, whatever kind of trigger it is.
var triggerAliases = map[string]bool{
	"start": true, "api": true, "chat": true, "manual": true,
}

// ResolveParams resolves every parameter of block.Config against ctx,
// returning the concrete, type-coerced parameter document.
func (r *InputResolver) ResolveParams(block Block, ctx *ExecutionContext, schema []ParamSchemaEntry) (map[string]interface{}, error) {
	filtered := r.filterBySchema(block.Config, schema)

	resolved := make(map[string]interface{}, len(filtered))
	for key, raw := range filtered {
		val, err := r.resolveValue(raw, block, ctx)
		if err != nil {
			return nil, err
		}
		val = r.coerce(val, key, schema)
		resolved[key] = val
	}
	return resolved, nil
}

// filterBySchema drops parameters whose schema entry declares a condition
// that evaluates false against the block's other config values. Entries
// with no schema (or no condition) are always retained.
func (r *InputResolver) filterBySchema(config map[string]interface{}, schema []ParamSchemaEntry) map[string]interface{} {
	if len(schema) == 0 {
		return config
	}
	byID := make(map[string][]ParamSchemaEntry, len(schema))
	for _, s := range schema {
		byID[s.ID] = append(byID[s.ID], s)
	}

	out := make(map[string]interface{}, len(config))
	for key, val := range config {
		entries, declared := byID[key]
		if !declared {
			out[key] = val
			continue
		}
		include := false
		for _, e := range entries {
			if e.Condition == nil || e.Condition.matches(config) {
				include = true
				break
			}
		}
		if include {
			out[key] = val
		}
	}
	return out
}

func (r *InputResolver) coerce(val interface{}, key string, schema []ParamSchemaEntry) interface{} {
	var decl string
	for _, s := range schema {
		if s.ID == key {
			decl = s.Type
			break
		}
	}
	s, isString := val.(string)
	if !isString {
		return val
	}
	switch decl {
	case "number":
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
	case "boolean":
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	case "json":
		var parsed interface{}
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return parsed
		}
	case "plain":
		return s
	}
	return val
}

// resolveValue recurses through nested structures, resolving references
// found in string leaves. Table-shaped arrays (elements carrying a "cells"
// map) have every cell resolved individually.
func (r *InputResolver) resolveValue(v interface{}, block Block, ctx *ExecutionContext) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return r.resolveString(t, block, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, nested := range t {
			resolved, err := r.resolveValue(nested, block, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			if row, isRow := elem.(map[string]interface{}); isRow {
				if cells, hasCells := row["cells"].(map[string]interface{}); hasCells {
					resolvedCells, err := r.resolveCellsDocument(cells, block, ctx)
					if err != nil {
						return nil, err
					}
					newRow := make(map[string]interface{}, len(row))
					for rk, rv := range row {
						newRow[rk] = rv
					}
					newRow["cells"] = resolvedCells
					out[i] = newRow
					continue
				}
			}
			resolved, err := r.resolveValue(elem, block, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveCellsDocument resolves a table row's cells, assembling them into the
// resolved document one cell at a time via AssembleDocument rather than
// building the map by hand, so a cell key that is itself a gjson path (e.g.
// a nested column reference) lands at the right place in the result.
func (r *InputResolver) resolveCellsDocument(cells map[string]interface{}, block Block, ctx *ExecutionContext) (map[string]interface{}, error) {
	var doc []byte
	for ck, cv := range cells {
		rv, err := r.resolveValue(cv, block, ctx)
		if err != nil {
			return nil, err
		}
		doc, err = AssembleDocument(doc, ck, rv)
		if err != nil {
			return nil, fmt.Errorf("could not assemble resolved cell %q: %w", ck, err)
		}
	}
	if doc == nil {
		return map[string]interface{}{}, nil
	}
	var resolvedCells map[string]interface{}
	if err := json.Unmarshal(doc, &resolvedCells); err != nil {
		return nil, fmt.Errorf("could not decode assembled cell document: %w", err)
	}
	return resolvedCells, nil
}

// resolveString resolves every reference found in s. If s is exactly one
// reference with no surrounding text, the raw resolved value is returned
// (preserving its type); otherwise references are substituted as text.
func (r *InputResolver) resolveString(s string, block Block, ctx *ExecutionContext) (interface{}, error) {
	if m := blockRefPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		return r.resolveReference(m[1], block, ctx)
	}
	if m := envRefPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		return r.resolveEnvReference(m[1], ctx)
	}

	result := s
	var resolveErr error
	format := formatterFor(block)

	result = envRefPattern.ReplaceAllStringFunc(result, func(match string) string {
		if resolveErr != nil {
			return match
		}
		inner := envRefPattern.FindStringSubmatch(match)[1]
		v, err := r.resolveEnvReference(inner, ctx)
		if err != nil {
			resolveErr = err
			return match
		}
		return format(v)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}

	result = replaceBlockRefs(result, func(match string, insideTemplateLiteral bool) string {
		if resolveErr != nil {
			return match
		}
		inner := blockRefPattern.FindStringSubmatch(match)[1]
		v, err := r.resolveReference(inner, block, ctx)
		if err != nil {
			resolveErr = err
			return match
		}
		if block.Type == BlockTypeFunction && insideTemplateLiteral {
			if sv, ok := v.(string); ok {
				return sv
			}
		}
		return format(v)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}

	return result, nil
}

// formatterFor selects the display-string formatter used when substituting
// a resolved reference into surrounding text, per block.Type's contextual
// formatting rule. Function blocks get JSON-quoted code literals, condition
// blocks get escaped+quoted literals, response/api blocks get JSON-escaped
// fragments; every other block type keeps the default plain/JSON display.
func formatterFor(block Block) func(interface{}) string {
	switch block.Type {
	case BlockTypeCondition:
		return FormatForCondition
	case BlockTypeFunction:
		return FormatForFunctionCode
	case BlockTypeResponse, BlockTypeAPI:
		return FormatForJSONBody
	default:
		return toDisplayString
	}
}

// replaceBlockRefs substitutes every blockRefPattern match in s via fn, also
// telling fn whether the match sits directly inside a "${...}" template
// literal interpolation (immediately preceded by "${" and followed by "}").
func replaceBlockRefs(s string, fn func(match string, insideTemplateLiteral bool) string) string {
	locs := blockRefPattern.FindAllStringIndex(s, -1)
	if locs == nil {
		return s
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		b.WriteString(s[last:start])
		insideTemplateLiteral := strings.HasSuffix(s[:start], "${") && strings.HasPrefix(s[end:], "}")
		b.WriteString(fn(s[start:end], insideTemplateLiteral))
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

// resolveReference dispatches a <...> reference body to the variable,
// block, loop, or parallel resolution path.
func (r *InputResolver) resolveReference(body string, block Block, ctx *ExecutionContext) (interface{}, error) {
	head, path, _ := strings.Cut(body, ".")

	switch strings.ToLower(head) {
	case "variable":
		return r.resolveVariableReference(path, ctx)
	case "loop":
		return r.resolveLoopReference(path, block, ctx)
	case "parallel":
		return r.resolveParallelReference(path, block, ctx)
	default:
		return r.resolveBlockReference(head, path, block, ctx)
	}
}

func (r *InputResolver) resolveVariableReference(name string, ctx *ExecutionContext) (interface{}, error) {
	head, path, hasPath := strings.Cut(name, ".")
	v, ok := ctx.WorkflowVariables[head]
	if !ok {
		return fmt.Sprintf("<variable.%s>", name), nil
	}
	if !hasPath {
		return v.Value, nil
	}
	return navigatePath(v.Value, path, head)
}

func (r *InputResolver) resolveEnvReference(name string, ctx *ExecutionContext) (interface{}, error) {
	name = strings.TrimSpace(name)
	v, ok := ctx.EnvironmentVariables[name]
	if !ok {
		return nil, fmt.Errorf("missing environment variable %q", name)
	}
	return v, nil
}

// resolveBlockReference resolves <BLOCK.path>, applying accessibility and
// virtual-block-routing rules.
func (r *InputResolver) resolveBlockReference(head, path string, block Block, ctx *ExecutionContext) (interface{}, error) {
	target, found := r.findBlockByReference(head)
	if !found {
		if triggerAliases[strings.ToLower(head)] {
			if starter, ok := r.workflow.Starter(); ok {
				target = starter
				found = true
			}
		}
	}
	if !found {
		return fmt.Sprintf("<%s%s>", head, pathSuffix(path)), nil
	}

	if !target.Enabled {
		return nil, fmt.Errorf("block %q is disabled and cannot be referenced", target.Name)
	}

	accessible := r.accessibleBlocks(block)
	if !accessible[target.ID] && target.ID != block.ID {
		return fmt.Sprintf("<%s%s>", head, pathSuffix(path)), nil
	}

	lookupID := target.ID
	if ctx.CurrentVirtualBlockID != "" {
		if vref, ok := r.vbu.Decode(ctx.CurrentVirtualBlockID); ok {
			if r.parallelContains(vref.ParallelID, target.ID) {
				lookupID = r.vbu.BuildVirtualID(target.ID, vref.ParallelID, vref.IterationIndex)
			}
		}
	}

	state, executed := ctx.GetBlockState(lookupID)
	if !executed {
		if !ctx.IsActive(lookupID) {
			return "", nil
		}
		return "", nil
	}
	if state.HasError {
		return "", nil
	}

	if path == "" {
		return state.Output, nil
	}
	return navigatePath(state.Output, path, target.Name)
}

func pathSuffix(path string) string {
	if path == "" {
		return ""
	}
	return "." + path
}

func (r *InputResolver) findBlockByReference(head string) (Block, bool) {
	if b, ok := r.workflow.BlockByID(head); ok {
		return b, true
	}
	normalized := normalizeBlockName(head)
	for _, b := range r.workflow.Blocks {
		if b.NormalizedName() == normalized {
			return b, true
		}
	}
	return Block{}, false
}

// accessibleBlocks computes which blocks block may reference: blocks with
// an outgoing connection to block, the starter, and every block in any
// loop/parallel block belongs to.
func (r *InputResolver) accessibleBlocks(block Block) map[string]bool {
	set := make(map[string]bool)
	for _, c := range r.conns.Incoming(block.ID, r.workflow.Connections) {
		set[c.Source] = true
	}
	if starter, ok := r.workflow.Starter(); ok {
		set[starter.ID] = true
	}
	for _, loop := range r.workflow.Loops {
		if containsStr(loop.Nodes, block.ID) {
			for _, n := range loop.Nodes {
				set[n] = true
			}
		}
	}
	for _, par := range r.workflow.Parallels {
		if containsStr(par.Nodes, block.ID) {
			for _, n := range par.Nodes {
				set[n] = true
			}
		}
	}
	return set
}

func (r *InputResolver) parallelContains(parallelID, blockID string) bool {
	spec, ok := r.workflow.Parallels[parallelID]
	if !ok {
		return false
	}
	return containsStr(spec.Nodes, blockID)
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *InputResolver) resolveLoopReference(path string, block Block, ctx *ExecutionContext) (interface{}, error) {
	loopID, ok := r.enclosingLoop(block.ID)
	if !ok {
		return "<loop." + path + ">", nil
	}
	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "currentItem":
		item := ctx.LoopItems[loopID]
		if rest == "" {
			return item, nil
		}
		return navigatePath(item, rest, loopID)
	case "index":
		return ctx.LoopIterations[loopID] - 1, nil
	case "items":
		return ctx.LoopItems[r.vbu.CollectionItemsKey(loopID)], nil
	default:
		return "<loop." + path + ">", nil
	}
}

func (r *InputResolver) resolveParallelReference(path string, block Block, ctx *ExecutionContext) (interface{}, error) {
	parallelID, iteration, ok := r.enclosingParallel(block.ID, ctx)
	if !ok {
		return "<parallel." + path + ">", nil
	}
	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "currentItem":
		item := ctx.LoopItems[r.vbu.ParallelIterationItemsKey(parallelID, iteration)]
		if rest == "" {
			return item, nil
		}
		return navigatePath(item, rest, parallelID)
	case "index":
		return iteration, nil
	case "items":
		return ctx.LoopItems[r.vbu.CollectionItemsKey(parallelID)], nil
	default:
		return "<parallel." + path + ">", nil
	}
}

func (r *InputResolver) enclosingLoop(blockID string) (string, bool) {
	for id, spec := range r.workflow.Loops {
		if containsStr(spec.Nodes, blockID) {
			return id, true
		}
	}
	return "", false
}

func (r *InputResolver) enclosingParallel(blockID string, ctx *ExecutionContext) (string, int, bool) {
	if ctx.CurrentVirtualBlockID != "" {
		if vref, ok := r.vbu.Decode(ctx.CurrentVirtualBlockID); ok {
			return vref.ParallelID, vref.IterationIndex, true
		}
	}
	for id, spec := range r.workflow.Parallels {
		if containsStr(spec.Nodes, blockID) {
			return id, 0, true
		}
	}
	return "", 0, false
}

// navigatePath resolves a dotted/bracketed path (e.g. "rows[0][1]",
// "matrix[1][2]", "a.b.c") against value, translating it into gjson's
// dot-numeric path syntax. sourceName is used only to annotate errors.
func navigatePath(value interface{}, path string, sourceName string) (interface{}, error) {
	if path == "" {
		return value, nil
	}
	gjsonPath := toGJSONPath(path)

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("could not navigate path %q on %q: %w", path, sourceName, err)
	}

	result := gjson.GetBytes(data, gjsonPath)
	if !result.Exists() {
		return nil, fmt.Errorf("invalid path %q on %q", path, sourceName)
	}
	return result.Value(), nil
}

// toGJSONPath rewrites bracketed array indices into gjson's dot-numeric
// path segments: "matrix[1][2]" -> "matrix.1.2", "data.rows[0][1]" ->
// "data.rows.0.1".
func toGJSONPath(path string) string {
	replaced := bracketIndex.ReplaceAllString(path, ".$1")
	replaced = strings.ReplaceAll(replaced, "..", ".")
	return strings.TrimPrefix(replaced, ".")
}

// AssembleDocument incrementally builds a resolved-parameter JSON document,
// setting one gjson-style path at a time. Used where a block's resolved
// config is constructed piecewise rather than parameter-by-parameter.
func AssembleDocument(existing []byte, path string, value interface{}) ([]byte, error) {
	if existing == nil {
		existing = []byte("{}")
	}
	return sjson.SetBytes(existing, toGJSONPath(path), value)
}

func toDisplayString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// FormatForFunctionCode formats a resolved value for substitution into a
// function block's code parameter: strings become JSON-quoted literals,
// objects are JSON-stringified.
func FormatForFunctionCode(v interface{}) string {
	switch t := v.(type) {
	case string:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return toDisplayString(v)
		}
		return string(b)
	}
}

// FormatForCondition formats a resolved value for substitution into a
// condition block's expression: escaped and quoted.
func FormatForCondition(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return toDisplayString(v)
	}
	escaped := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
	).Replace(s)
	return `"` + escaped + `"`
}

// FormatForJSONBody formats a resolved value for embedding inside a
// response/api block's JSON body template: strings are JSON-escaped
// (quotes, backslashes, control characters) without the surrounding quotes,
// since the template supplies those itself.
func FormatForJSONBody(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return toDisplayString(v)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return s
	}
	return string(b[1 : len(b)-1])
}
