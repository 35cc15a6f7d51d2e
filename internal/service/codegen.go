package service

import (
	"crypto/rand"
	"fmt"
)

const (
	issueCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	IssueCodeLength   = 8
)

// CodeGenerator 生成发放券码
type CodeGenerator interface {
	Generate() (string, error)
}

// RandomCodeGenerator 由 [A-Z0-9] 组成的随机券码
type RandomCodeGenerator struct {
	Length int
}

func (g RandomCodeGenerator) Generate() (string, error) {
	n := g.Length
	if n <= 0 {
		n = IssueCodeLength
	}

	// 拒绝采样，避免取模偏差
	limit := byte(256 - 256%len(issueCodeAlphabet))
	code := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(code) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("生成券码失败: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			code = append(code, issueCodeAlphabet[int(b)%len(issueCodeAlphabet)])
			if len(code) == n {
				break
			}
		}
	}
	return string(code), nil
}

// CodeGeneratorFunc 让普通函数满足 CodeGenerator
type CodeGeneratorFunc func() (string, error)

func (f CodeGeneratorFunc) Generate() (string, error) { return f() }
