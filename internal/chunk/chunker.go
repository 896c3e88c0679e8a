package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// Options configures a Chunker.
type Options struct {
	// Strategy selects the line or AST splitting algorithm.
	Strategy Strategy
	// ChunkSize is the target chunk size in approximate tokens. Clamped
	// to [MinChunkTokens, MaxChunkTokens].
	ChunkSize int
}

// Chunker splits file content into chunks per the configured Strategy,
// falling back to the line strategy whenever the AST strategy cannot
// handle a file (unsupported language, parse failure, or a declaration
// too large to keep whole).
type Chunker struct {
	opts      Options
	parser    *Parser
	registry  *LanguageRegistry
	extractor *SymbolExtractor
	chunkSize int
}

// New creates a Chunker with the given options.
func New(opts Options) *Chunker {
	size := opts.ChunkSize
	if size == 0 {
		size = DefaultChunkTokens
	}
	if size < MinChunkTokens {
		size = MinChunkTokens
	}
	if size > MaxChunkTokens {
		size = MaxChunkTokens
	}
	return &Chunker{
		opts:      opts,
		parser:    NewParser(),
		registry:  DefaultRegistry(),
		extractor: NewSymbolExtractor(),
		chunkSize: size,
	}
}

// Close releases parser resources.
func (c *Chunker) Close() {
	c.parser.Close()
}

// Chunk splits a file into an ordered, non-overlapping, contiguous list
// of chunks. An empty file produces no chunks.
func (c *Chunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if len(file.Content) == 0 {
		return nil, nil
	}

	language := file.Language
	if language == "" {
		language = languageFromExtension(filepath.Ext(file.Path))
	}

	if c.opts.Strategy == StrategyAST {
		if chunks, ok := c.astChunk(ctx, file, language); ok {
			return chunks, nil
		}
		// Unsupported language, parse failure, or no top-level
		// declarations: fall back to line strategy.
	}

	return c.lineChunk(file.Path, file.Content, language), nil
}

// astChunk attempts the AST strategy. The bool return is false when the
// language has no registered grammar, parsing failed, or the file has no
// top-level declaration nodes, signaling the caller to fall back to the
// line strategy.
func (c *Chunker) astChunk(ctx context.Context, file *FileInput, language string) ([]*Chunk, bool) {
	config, ok := c.registry.GetByName(language)
	if !ok {
		return nil, false
	}

	tree, err := c.parser.Parse(ctx, file.Content, language)
	if err != nil || tree == nil || tree.Root == nil {
		return nil, false
	}

	nodes := topLevelSymbolNodes(tree.Root, config)
	if len(nodes) == 0 {
		return nil, false
	}

	lines := splitLines(file.Content)
	total := len(lines)

	var chunks []*Chunk
	prevEnd := 0 // 0-indexed line count already covered

	for _, n := range nodes {
		start := prevEnd + 1 // absorb any gap (imports, comments, blank lines) into this chunk
		end := int(n.EndPoint.Row) + 1
		if end < start {
			end = start
		}
		if end > total {
			end = total
		}

		span := joinLines(lines, start, end)
		if estimateTokens(span) > MaxChunkTokens {
			chunks = append(chunks, c.splitByLines(file.Path, language, lines, start, end)...)
		} else {
			chunk := c.newChunk(file.Path, language, start, end, span)
			if sym := c.extractor.extractSymbolFromNode(n, file.Content, config, language); sym != nil {
				chunk.Symbols = []*Symbol{sym}
			}
			chunks = append(chunks, chunk)
		}
		prevEnd = end
	}

	// Trailing gap after the last declaration belongs to the last chunk.
	if prevEnd < total && len(chunks) > 0 {
		last := chunks[len(chunks)-1]
		last.EndLine = total
		last.Content = joinLines(lines, last.StartLine, total)
		last.TokenCount = estimateTokens(last.Content)
		last.ID = chunkID(file.Path, last.StartLine, last.Content)
	}

	return chunks, true
}

// topLevelSymbolNodes returns the direct children of root whose type
// matches one of config's declaration categories, in source order.
func topLevelSymbolNodes(root *Node, config *LanguageConfig) []*Node {
	types := make(map[string]bool)
	for _, group := range [][]string{
		config.FunctionTypes, config.MethodTypes, config.ClassTypes,
		config.InterfaceTypes, config.TypeDefTypes, config.ConstantTypes,
		config.VariableTypes,
	} {
		for _, t := range group {
			types[t] = true
		}
	}

	var nodes []*Node
	for _, child := range root.Children {
		if types[child.Type] {
			nodes = append(nodes, child)
		}
	}
	return nodes
}

// lineChunk implements the default line strategy: accumulate lines
// until the token budget is reached, preferring a blank-line break,
// and never splitting inside a non-blank line.
func (c *Chunker) lineChunk(path string, content []byte, language string) []*Chunk {
	lines := splitLines(content)
	if len(lines) == 0 {
		return nil
	}
	return c.splitByLines(path, language, lines, 1, len(lines))
}

// splitByLines chunks lines[start-1:end] (1-indexed, inclusive) by the
// token budget.
func (c *Chunker) splitByLines(path, language string, lines []string, start, end int) []*Chunk {
	var chunks []*Chunk
	var buf []string
	chunkStart := start
	tokens := 0

	flush := func(lastLine int) {
		if len(buf) == 0 {
			return
		}
		text := strings.Join(buf, "\n")
		chunks = append(chunks, c.newChunk(path, language, chunkStart, lastLine, text))
		buf = nil
		tokens = 0
	}

	for i := start; i <= end; i++ {
		line := lines[i-1]
		lineTokens := estimateTokens(line) + 1 // +1 for the newline

		if tokens > 0 && tokens+lineTokens > MaxChunkTokens {
			flush(i - 1)
			chunkStart = i
		}

		buf = append(buf, line)
		tokens += lineTokens

		atTarget := tokens >= c.chunkSize
		isBlank := strings.TrimSpace(line) == ""
		if (atTarget && isBlank) || tokens >= MaxChunkTokens {
			flush(i)
			chunkStart = i + 1
		}
	}
	flush(end)

	return chunks
}

func (c *Chunker) newChunk(path, language string, start, end int, content string) *Chunk {
	return &Chunk{
		ID:         chunkID(path, start, content),
		FilePath:   path,
		Content:    content,
		Language:   language,
		StartLine:  start,
		EndLine:    end,
		TokenCount: estimateTokens(content),
	}
}

// chunkID derives a deterministic id from (relative path, start line,
// content). Equal inputs always produce equal ids, in-process and
// across processes, so re-chunking an unchanged region reuses the same
// id instead of minting a new one.
func chunkID(path string, startLine int, content string) string {
	digest := sha256.Sum256([]byte(content))
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", startLine)
	h.Write([]byte{0})
	h.Write(digest[:])
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func estimateTokens(s string) int {
	n := len(s) / TokensPerChar
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}

// splitLines splits content into lines without a trailing phantom empty
// line when content ends with "\n".
func splitLines(content []byte) []string {
	s := string(content)
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" && strings.HasSuffix(s, "\n") {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func joinLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

var extToLanguage = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "tsx",
	".js":   "javascript",
	".mjs":  "javascript",
	".jsx":  "jsx",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".md":   "markdown",
}

func languageFromExtension(ext string) string {
	return extToLanguage[strings.ToLower(ext)]
}
