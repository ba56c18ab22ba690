package starling

import "strings"

// FenceParser incrementally splits a streamed LLM response into prose lines
// and fenced code blocks. It is line-oriented by design: a running byte
// offset divides the response into processed lines and the current
// incomplete line, and state only changes on '\n'.
//
// OnProse is called once per complete prose line (content includes the
// trailing newline) and once more for any trailing incomplete line at
// stream end (no newline). OnCode is called once per completed code block;
// an unclosed fence at stream end is flushed as if the closing fence
// appeared.
type FenceParser struct {
	// OnProse receives prose text exactly as it should reach TextDelta.
	OnProse func(text string)
	// OnCode receives each complete code block.
	OnCode func(code string)

	response      strings.Builder
	lastLineStart int
	inFence       bool
	currentProse  strings.Builder
	currentCode   strings.Builder
	segments      []Segment
	codeBlocks    []string
}

// isFenceOpen reports whether a trimmed line opens a python code fence:
// ``` followed by a case-variant of "python" or "py", optionally followed
// by extra tokens.
func isFenceOpen(trimmed string) bool {
	rest, ok := strings.CutPrefix(trimmed, "```")
	if !ok {
		return false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return false
	}
	lang := strings.ToLower(fields[0])
	return lang == "python" || lang == "py"
}

// Feed appends a delta of response text and processes every complete line
// it finishes.
func (f *FenceParser) Feed(delta string) {
	f.response.WriteString(delta)
	buf := f.response.String()
	for {
		nl := strings.IndexByte(buf[f.lastLineStart:], '\n')
		if nl < 0 {
			return
		}
		line := buf[f.lastLineStart : f.lastLineStart+nl]
		f.lastLineStart += nl + 1
		f.consumeLine(line)
	}
}

func (f *FenceParser) consumeLine(line string) {
	trimmed := strings.TrimSpace(line)
	if !f.inFence {
		if isFenceOpen(trimmed) {
			f.flushProse()
			f.inFence = true
			f.currentCode.Reset()
			return
		}
		if f.currentProse.Len() > 0 {
			f.currentProse.WriteByte('\n')
		}
		f.currentProse.WriteString(line)
		if f.OnProse != nil {
			f.OnProse(line + "\n")
		}
		return
	}
	if trimmed == "```" {
		f.inFence = false
		f.flushCode()
		return
	}
	if f.currentCode.Len() > 0 {
		f.currentCode.WriteByte('\n')
	}
	f.currentCode.WriteString(line)
}

// Finish flushes stream-end state: an unclosed fence executes as if closed,
// and a trailing incomplete line outside a fence is treated as prose.
func (f *FenceParser) Finish() {
	buf := f.response.String()
	if f.inFence {
		// A trailing incomplete line inside the fence belongs to the code
		// block (or is the closing fence itself).
		if f.lastLineStart < len(buf) {
			line := buf[f.lastLineStart:]
			f.lastLineStart = len(buf)
			f.consumeLine(line)
		}
	}
	if f.inFence {
		f.inFence = false
		f.flushCode()
	}
	f.flushProse()

	if f.lastLineStart < len(buf) {
		trailing := strings.TrimSpace(buf[f.lastLineStart:])
		f.lastLineStart = len(buf)
		if trailing != "" {
			if f.OnProse != nil {
				f.OnProse(trailing)
			}
			// Merge into the preceding prose segment when one exists.
			if n := len(f.segments); n > 0 && f.segments[n-1].Kind == PartProse {
				f.segments[n-1].Content += "\n" + trailing
			} else {
				f.segments = append(f.segments, Segment{Kind: PartProse, Content: trailing})
			}
		}
	}
}

func (f *FenceParser) flushProse() {
	prose := strings.TrimSpace(f.currentProse.String())
	f.currentProse.Reset()
	if prose != "" {
		f.segments = append(f.segments, Segment{Kind: PartProse, Content: prose})
	}
}

func (f *FenceParser) flushCode() {
	code := f.currentCode.String()
	f.currentCode.Reset()
	if strings.TrimSpace(code) == "" {
		return
	}
	f.segments = append(f.segments, Segment{Kind: PartCode, Content: code})
	f.codeBlocks = append(f.codeBlocks, code)
	if f.OnCode != nil {
		f.OnCode(code)
	}
}

// Response returns the full accumulated response text.
func (f *FenceParser) Response() string { return f.response.String() }

// Segments returns the ordered prose/code spans parsed so far.
func (f *FenceParser) Segments() []Segment { return f.segments }

// CodeBlocks returns every code block parsed so far, in order.
func (f *FenceParser) CodeBlocks() []string { return f.codeBlocks }

// HasCode reports whether at least one code block was parsed.
func (f *FenceParser) HasCode() bool { return len(f.codeBlocks) > 0 }
