package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"unicode"
)

// minIDDigits 证件号最少位数
const minIDDigits = 10

// digitBases 非ASCII数字区段的起点，每段连续10个码位对应0-9
var digitBases = []rune{
	'٠', // Arabic-Indic
	'۰', // Extended Arabic-Indic
	'０', // Fullwidth
}

// NormalizeDigits 把阿拉伯文数字和全角数字转换为ASCII数字，其它字符不变
func NormalizeDigits(s string) string {
	return strings.Map(func(r rune) rune {
		for _, base := range digitBases {
			if r >= base && r <= base+9 {
				return '0' + (r - base)
			}
		}
		return r
	}, s)
}

// ExtractNationalID 返回文本中第一段不少于10位的连续数字
func ExtractNationalID(text string) (string, bool) {
	normalized := NormalizeDigits(text)
	fields := strings.FieldsFunc(normalized, func(r rune) bool {
		return r < '0' || r > '9'
	})
	for _, f := range fields {
		if len(f) >= minIDDigits {
			return f, true
		}
	}
	return "", false
}

// Recognizer 从base64图片中识别文字
type Recognizer interface {
	Recognize(ctx context.Context, imageBase64 string) (string, error)
}

// ExtractFromImage 识别图片并提取证件号；识别成功但没有证件号时 ok 为false
func ExtractFromImage(ctx context.Context, r Recognizer, imageBase64 string) (id string, ok bool, err error) {
	text, err := r.Recognize(ctx, imageBase64)
	if err != nil {
		return "", false, err
	}
	id, ok = ExtractNationalID(text)
	return id, ok, nil
}

// Tesseract 调用本机 tesseract 命令识别文字
type Tesseract struct {
	binary    string
	languages string
}

func NewTesseract(binary, languages string) *Tesseract {
	if binary == "" {
		binary = "tesseract"
	}
	if languages == "" {
		languages = "eng+ara"
	}
	return &Tesseract{binary: binary, languages: languages}
}

func (t *Tesseract) Recognize(ctx context.Context, imageBase64 string) (string, error) {
	img, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return "", fmt.Errorf("图片不是合法的base64: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.binary, "stdin", "stdout", "-l", t.languages)
	cmd.Stdin = bytes.NewReader(img)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("tesseract执行失败: %s", strings.TrimFunc(stderr.String(), unicode.IsSpace))
		}
		return "", fmt.Errorf("启动tesseract失败: %w", err)
	}
	return stdout.String(), nil
}
