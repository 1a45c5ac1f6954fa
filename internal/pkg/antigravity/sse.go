package antigravity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxLineSize SSE 单行缓冲上限
const DefaultMaxLineSize = 10 * 1024 * 1024

// NewSSEScanner 按行扫描上游 SSE，放大缓冲避免长 data 行溢出
func NewSSEScanner(r io.Reader, maxLineSize int) *bufio.Scanner {
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return scanner
}

// ParseSSELine 提取 data 行的 JSON 负载；非 data 行、空负载、[DONE] 返回 nil
func ParseSSELine(line string) []byte {
	trimmed := strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(trimmed, "data:") {
		return nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
	if payload == "" || payload == "[DONE]" {
		return nil
	}
	return []byte(payload)
}

// AggregateSSEResponse 内部消费整条 SSE 流，合并为单个 Gemini 响应。
// thinking 模型上游只出 SSE，非流式路径走这里拿合并结果。
// 相邻同类 text/thought part 拼接为一个，functionCall part 原样保留。
func AggregateSSEResponse(r io.Reader, maxLineSize int) ([]byte, error) {
	var (
		parts        []GeminiPart
		finishReason string
		usage        *GeminiUsageMetadata
		sawEvent     bool
	)

	scanner := NewSSEScanner(r, maxLineSize)
	for scanner.Scan() {
		payload := ParseSSELine(scanner.Text())
		if payload == nil {
			continue
		}

		inner := UnwrapV1InternalResponse(payload)
		var resp GeminiResponse
		if err := json.Unmarshal(inner, &resp); err != nil {
			continue
		}
		sawEvent = true

		if resp.UsageMetadata != nil {
			usage = resp.UsageMetadata
		}
		for _, cand := range resp.Candidates {
			if cand.FinishReason != "" {
				finishReason = cand.FinishReason
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				parts = appendMergedPart(parts, part)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read upstream stream: %w", err)
	}
	if !sawEvent {
		return nil, fmt.Errorf("upstream stream contained no events")
	}

	out := GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:      &GeminiContent{Role: "model", Parts: parts},
			FinishReason: finishReason,
		}},
		UsageMetadata: usage,
	}
	return json.Marshal(out)
}

// appendMergedPart 相邻的纯文本 part（thought 标志一致）拼接；其余追加
func appendMergedPart(parts []GeminiPart, part GeminiPart) []GeminiPart {
	if len(parts) > 0 && part.FunctionCall == nil && part.FunctionResponse == nil && part.InlineData == nil {
		last := &parts[len(parts)-1]
		if last.FunctionCall == nil && last.FunctionResponse == nil && last.InlineData == nil &&
			last.Thought == part.Thought {
			last.Text += part.Text
			if part.ThoughtSignature != "" {
				last.ThoughtSignature = part.ThoughtSignature
			}
			return parts
		}
	}
	return append(parts, part)
}
