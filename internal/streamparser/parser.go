// Package streamparser incrementally extracts `<MESSAGE>`, `<TOOL_CALL>`,
// and `<PARAM>` segments from a model's token stream as it arrives, emitting
// granular events through an events.Publisher and triggering write-through
// tools before the model finishes responding, per spec.md §4.9.
//
// The wire format is regex-delimited, not XML: param values may contain
// unescaped `&`, `<`, `>`, so segments are extracted with plain substring
// search rather than an XML parser. The one load-bearing trick is holding
// back a suffix of the buffer equal to the longest proper prefix of a
// closing tag that the buffer could be building towards, so a tag split
// across two chunks never leaks as body text — see holdbackLen.
//
// Grounded on the teacher's internal/canvas/stream.go and
// internal/events.Publisher for the incremental-state-plus-event-emission
// shape, generalized to spec.md §4.9's tag grammar and §9's "partial
// closing tag holdback" design note.
package streamparser

import (
	"strings"

	"github.com/haasonsaas/agentcore/internal/events"
)

const (
	messageOpenTag  = "<MESSAGE>"
	messageCloseTag = "</MESSAGE>"

	toolCallOpenTag  = "<TOOL_CALL>"
	toolCallCloseTag = "</TOOL_CALL>"

	toolOpenTag  = "<TOOL>"
	toolCloseTag = "</TOOL>"

	reasonOpenTag  = "<REASON>"
	reasonCloseTag = "</REASON>"

	paramOpenPrefix = `<PARAM name="`
	paramCloseTag   = "</PARAM>"

	thoughtsCloseTag = "</THOUGHTS>"
)

type segmentState int

const (
	stateNotStarted segmentState = iota
	stateStarted
	stateComplete
)

// toolCallState tracks one `<TOOL_CALL>` block's incremental parse, field
// names matching spec.md §4.9's "tool_calls" state list.
type toolCallState struct {
	index       int
	contentStart int

	toolName string
	reason   string
	fieldsEmitted map[string]bool

	// openParamName/openParamStart track the one PARAM currently being
	// collected; params arrive sequentially in this wire format so at most
	// one is ever open at a time.
	openParamName  string
	openParamStart int
	paramsEmitted  map[string]bool

	completeParams  map[string]string
	streamingParams map[string]string

	autoExecFired          bool
	lastAutoExecSignature  int

	scanPos  int // offset into the parser's buffer already processed for this tool call
	complete bool
}

func newToolCallState(index, contentStart int) *toolCallState {
	return &toolCallState{
		index:           index,
		contentStart:    contentStart,
		fieldsEmitted:   make(map[string]bool),
		paramsEmitted:   make(map[string]bool),
		completeParams:  make(map[string]string),
		streamingParams: make(map[string]string),
		scanPos:         contentStart,
	}
}

// mergedParams returns complete params overlaid with any still-streaming
// ones, for handing to an auto-exec callback.
func (tc *toolCallState) mergedParams() map[string]string {
	out := make(map[string]string, len(tc.completeParams)+len(tc.streamingParams))
	for k, v := range tc.streamingParams {
		out[k] = v
	}
	for k, v := range tc.completeParams {
		out[k] = v
	}
	return out
}

func (tc *toolCallState) hasAllComplete(required []string) bool {
	for _, name := range required {
		if _, ok := tc.completeParams[name]; !ok {
			return false
		}
	}
	return true
}

// ToolPolicy describes how the auto-exec bridge should treat one tool name.
type ToolPolicy struct {
	// Streaming tools (e.g. file.write) may be invoked repeatedly as their
	// "content" param grows; non-streaming tools (e.g. file.edit) are
	// invoked once, only after every RequiredParams entry is complete.
	Streaming bool
	// RequiredParams gates non-streaming invocation and determines the
	// "complete" flag passed to streaming invocations.
	RequiredParams []string
}

// AutoExecConfig is the auto-execute allowlist, keyed by tool name.
type AutoExecConfig struct {
	Policies map[string]ToolPolicy
}

// AutoExecFunc is invoked with a tool call's accumulated params. complete
// reports whether every RequiredParams entry has fully arrived.
type AutoExecFunc func(toolCallIndex int, toolName string, params map[string]string, complete bool)

// Parser holds the incremental parse state for a single model response
// stream. It is not safe for concurrent use — feed it from one goroutine.
type Parser struct {
	publisher *events.Publisher
	autoExec  AutoExecConfig
	onAutoExec AutoExecFunc

	buf string

	thoughtsBuf     string
	thoughtsState   segmentState
	thoughtsEmitted int

	messageState   segmentState
	messageBodyAt  int // offset where <MESSAGE> body begins
	messageEmitted int // offset up to which body has been emitted

	toolCalls   []*toolCallState
	active      *toolCallState
	toolScanPos int
}

// New constructs a Parser. publisher receives StreamSegment events;
// autoExec and onAutoExec may be zero-valued to disable the bridge.
func New(publisher *events.Publisher, autoExec AutoExecConfig, onAutoExec AutoExecFunc) *Parser {
	return &Parser{
		publisher:  publisher,
		autoExec:   autoExec,
		onAutoExec: onAutoExec,
	}
}

// FeedThoughts appends a chunk to a separate reasoning/thoughts channel that
// is always closed before the message segment begins streaming, per
// spec.md §9's "Stream parser correctness" design note.
func (p *Parser) FeedThoughts(chunk string) {
	// Thoughts are tracked independently of the main buffer since they
	// arrive over a distinct channel in the source protocol.
	if p.thoughtsState == stateComplete {
		return
	}
	p.thoughtsBuf += chunk
	p.processThoughts()
}

// Feed appends chunk to the buffer and reprocesses the message window and
// every open tool call, per spec.md §4.9's feed_answer.
func (p *Parser) Feed(chunk string) {
	if p.thoughtsState == stateStarted {
		p.completeThoughts()
	}
	p.buf += chunk
	p.processMessage()
	p.processToolCalls()
}

// Finalize completes any still-open message or tool_call segment, per
// spec.md §4.9's Finalize and §8's "every :start is eventually matched by
// exactly one :complete" invariant.
func (p *Parser) Finalize() {
	if p.thoughtsState == stateStarted {
		p.completeThoughts()
	}
	if p.messageState == stateStarted {
		if rest := p.buf[p.messageEmitted:]; rest != "" {
			p.emitMessage("append", rest)
			p.messageEmitted = len(p.buf)
		}
		p.messageState = stateComplete
		p.emitMessage("complete", "")
	}
	if p.active != nil && !p.active.complete {
		p.finalizeOpenParam(p.active)
		p.active.complete = true
		p.emitToolCall(p.active, "complete", "", "", "", false)
		p.active = nil
	}
}

func (p *Parser) processThoughts() {
	if p.thoughtsState == stateNotStarted {
		p.thoughtsState = stateStarted
		p.thoughtsEmitted = 0
		p.emitThoughts("start", "")
	}
	hold := holdbackLen(p.thoughtsBuf, thoughtsCloseTag)
	if closeIdx := strings.Index(p.thoughtsBuf[p.thoughtsEmitted:], thoughtsCloseTag); closeIdx >= 0 {
		abs := p.thoughtsEmitted + closeIdx
		if final := p.thoughtsBuf[p.thoughtsEmitted:abs]; final != "" {
			p.emitThoughts("append", final)
		}
		p.thoughtsEmitted = abs + len(thoughtsCloseTag)
		p.thoughtsState = stateComplete
		p.emitThoughts("complete", "")
		return
	}
	pending := p.thoughtsBuf[p.thoughtsEmitted:]
	emitLen := len(pending) - hold
	if emitLen > 0 {
		p.emitThoughts("append", pending[:emitLen])
		p.thoughtsEmitted += emitLen
	}
}

// completeThoughts force-closes an in-progress thoughts segment, used when
// the message segment begins before an explicit </THOUGHTS> arrived.
func (p *Parser) completeThoughts() {
	if rest := p.thoughtsBuf[p.thoughtsEmitted:]; rest != "" {
		p.emitThoughts("append", rest)
		p.thoughtsEmitted = len(p.thoughtsBuf)
	}
	p.thoughtsState = stateComplete
	p.emitThoughts("complete", "")
}

func (p *Parser) emitThoughts(action, text string) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(&events.Event{
		Kind: events.KindStreamMessage,
		Stream: &events.StreamSegment{
			Segment: "thoughts",
			Action:  action,
			Text:    text,
		},
	})
}

func (p *Parser) emitMessage(action, text string) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(&events.Event{
		Kind: events.KindStreamMessage,
		Stream: &events.StreamSegment{
			Segment: "message",
			Action:  action,
			Text:    text,
		},
	})
}

func (p *Parser) emitToolCall(tc *toolCallState, action, field, paramName, paramValue string, complete bool) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(&events.Event{
		Kind: events.KindStreamToolCall,
		Stream: &events.StreamSegment{
			Segment:       "tool_call",
			Action:        action,
			ToolCallIndex: tc.index,
			Field:         field,
			ParamName:     paramName,
			ParamValue:    paramValue,
			ParamComplete: complete,
		},
	})
}

func (p *Parser) processMessage() {
	if p.messageState == stateNotStarted {
		idx := strings.Index(p.buf, messageOpenTag)
		if idx < 0 {
			return
		}
		p.messageState = stateStarted
		p.messageBodyAt = idx + len(messageOpenTag)
		p.messageEmitted = p.messageBodyAt
		p.emitMessage("start", "")
	}
	if p.messageState != stateStarted {
		return
	}

	if closeIdx := strings.Index(p.buf[p.messageEmitted:], messageCloseTag); closeIdx >= 0 {
		absClose := p.messageEmitted + closeIdx
		if final := p.buf[p.messageEmitted:absClose]; final != "" {
			p.emitMessage("append", final)
		}
		p.messageEmitted = absClose + len(messageCloseTag)
		p.messageState = stateComplete
		p.emitMessage("complete", "")
		return
	}

	pending := p.buf[p.messageEmitted:]
	hold := holdbackLen(pending, messageCloseTag)
	emitLen := len(pending) - hold
	if emitLen > 0 {
		p.emitMessage("append", pending[:emitLen])
		p.messageEmitted += emitLen
	}
}

// processToolCalls advances every already-open tool call and opens new ones
// that have appeared in the buffer, looping to a fixed point so multiple
// tags delivered in a single chunk are all handled.
func (p *Parser) processToolCalls() {
	for {
		progressed := p.advanceActiveToolCall()
		if p.active == nil || p.active.complete {
			if p.openNextToolCall() {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (p *Parser) openNextToolCall() bool {
	idx := strings.Index(p.buf[p.toolScanPos:], toolCallOpenTag)
	if idx < 0 {
		return false
	}
	abs := p.toolScanPos + idx
	contentStart := abs + len(toolCallOpenTag)
	tc := newToolCallState(len(p.toolCalls), contentStart)
	p.toolCalls = append(p.toolCalls, tc)
	p.active = tc
	p.toolScanPos = contentStart
	p.emitToolCall(tc, "start", "", "", "", false)
	return true
}

func (p *Parser) advanceActiveToolCall() bool {
	tc := p.active
	if tc == nil || tc.complete {
		return false
	}
	progressed := false

	if !tc.fieldsEmitted["tool"] {
		if v, end, ok := extractField(p.buf, tc.scanPos, toolOpenTag, toolCloseTag); ok {
			tc.toolName = v
			tc.fieldsEmitted["tool"] = true
			tc.scanPos = end
			p.emitToolCall(tc, "field", "tool", "", v, false)
			progressed = true
		}
	}
	if !tc.fieldsEmitted["reason"] {
		if v, end, ok := extractField(p.buf, tc.scanPos, reasonOpenTag, reasonCloseTag); ok {
			tc.reason = v
			tc.fieldsEmitted["reason"] = true
			tc.scanPos = end
			p.emitToolCall(tc, "field", "reason", "", v, false)
			progressed = true
		}
	}

	for p.advanceParam(tc) {
		progressed = true
	}

	if tc.openParamName == "" {
		if idx := strings.Index(p.buf[tc.scanPos:], toolCallCloseTag); idx >= 0 {
			tc.scanPos += idx + len(toolCallCloseTag)
			tc.complete = true
			p.emitToolCall(tc, "complete", "", "", "", false)
			p.toolScanPos = tc.scanPos
			if p.active == tc {
				p.active = nil
			}
			progressed = true
		}
	}

	p.maybeAutoExec(tc)
	return progressed
}

// advanceParam processes at most one param transition (open a new one, grow
// a streaming one, or complete one) and reports whether it made progress.
func (p *Parser) advanceParam(tc *toolCallState) bool {
	if tc.openParamName == "" {
		idx := strings.Index(p.buf[tc.scanPos:], paramOpenPrefix)
		if idx < 0 {
			return false
		}
		abs := tc.scanPos + idx + len(paramOpenPrefix)
		closeQuote := strings.IndexByte(p.buf[abs:], '"')
		if closeQuote < 0 {
			return false // name attribute itself hasn't fully arrived yet
		}
		name := p.buf[abs : abs+closeQuote]
		tagEnd := abs + closeQuote + 1
		if tagEnd >= len(p.buf) || p.buf[tagEnd] != '>' {
			return false // malformed or incomplete opening tag
		}
		tc.openParamName = name
		tc.openParamStart = tagEnd + 1
		tc.scanPos = tc.openParamStart
		tc.paramsEmitted[name] = true
		return true
	}

	name := tc.openParamName
	region := p.buf[tc.openParamStart:]
	if closeIdx := strings.Index(region, paramCloseTag); closeIdx >= 0 {
		value := strings.TrimSpace(region[:closeIdx])
		tc.completeParams[name] = value
		delete(tc.streamingParams, name)
		tc.scanPos = tc.openParamStart + closeIdx + len(paramCloseTag)
		tc.openParamName = ""
		tc.openParamStart = 0
		p.emitToolCall(tc, "param", "", name, value, true)
		return true
	}

	hold := holdbackLen(region, paramCloseTag)
	visible := region
	if hold > 0 {
		visible = region[:len(region)-hold]
	}
	prev := tc.streamingParams[name]
	if len(visible) > len(prev) {
		tc.streamingParams[name] = visible
		p.emitToolCall(tc, "param_update", "", name, visible, false)
		return true
	}
	return false
}

func (p *Parser) finalizeOpenParam(tc *toolCallState) {
	if tc.openParamName == "" {
		return
	}
	name := tc.openParamName
	value := strings.TrimSpace(p.buf[tc.openParamStart:])
	tc.completeParams[name] = value
	delete(tc.streamingParams, name)
	tc.openParamName = ""
	p.emitToolCall(tc, "param", "", name, value, true)
}

func (p *Parser) maybeAutoExec(tc *toolCallState) {
	if p.onAutoExec == nil || tc.toolName == "" {
		return
	}
	policy, ok := p.autoExec.Policies[tc.toolName]
	if !ok {
		return
	}

	if policy.Streaming {
		content, ok := tc.streamingParams["content"]
		if !ok {
			content, ok = tc.completeParams["content"]
		}
		if !ok {
			return
		}
		sig := len(content)
		if tc.autoExecFired && sig == tc.lastAutoExecSignature {
			return
		}
		tc.autoExecFired = true
		tc.lastAutoExecSignature = sig
		p.onAutoExec(tc.index, tc.toolName, tc.mergedParams(), tc.hasAllComplete(policy.RequiredParams))
		return
	}

	if tc.autoExecFired {
		return
	}
	if !tc.hasAllComplete(policy.RequiredParams) {
		return
	}
	tc.autoExecFired = true
	p.onAutoExec(tc.index, tc.toolName, tc.mergedParams(), true)
}

// extractField returns the trimmed content of the first openTag/closeTag
// pair found at or after scanPos, and the offset just past closeTag.
func extractField(buf string, scanPos int, openTag, closeTag string) (value string, end int, ok bool) {
	region := buf[scanPos:]
	openIdx := strings.Index(region, openTag)
	if openIdx < 0 {
		return "", 0, false
	}
	bodyStart := scanPos + openIdx + len(openTag)
	closeIdx := strings.Index(buf[bodyStart:], closeTag)
	if closeIdx < 0 {
		return "", 0, false
	}
	value = strings.TrimSpace(buf[bodyStart : bodyStart+closeIdx])
	end = bodyStart + closeIdx + len(closeTag)
	return value, end, true
}

// holdbackLen returns the length of the longest proper prefix of closeTag
// that is a suffix of buf — the number of trailing bytes of buf that might
// still be building towards closeTag and so must not be emitted yet, per
// spec.md §9's "partial closing tag holdback" design note.
func holdbackLen(buf, closeTag string) int {
	maxK := len(closeTag) - 1
	if maxK > len(buf) {
		maxK = len(buf)
	}
	for k := maxK; k > 0; k-- {
		if strings.HasSuffix(buf, closeTag[:k]) {
			return k
		}
	}
	return 0
}
