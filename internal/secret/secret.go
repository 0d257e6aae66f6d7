// Package secret 解析机器人凭据：明文、环境变量或（可选 age 加密的）文件。
package secret

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/SOF3/bthint/pkg/contract"
)

const (
	ageHeader   = "age-encryption.org/v1"
	armorHeader = "-----BEGIN AGE ENCRYPTED FILE-----"
)

// Source: 凭据来源，按 Value > File > Env 的优先级取第一个非空者。
type Source struct {
	Value string
	File  string
	Env   string
	// IdentityFile: File 为 age 加密时用于解密的身份文件（age-keygen 输出）。
	IdentityFile string
}

// Token 解析凭据并去除首尾空白；结果为空返回 ErrInvalidInput。
func Token(src Source) (string, error) {
	var tok string
	switch {
	case strings.TrimSpace(src.Value) != "":
		tok = src.Value
	case strings.TrimSpace(src.File) != "":
		b, err := os.ReadFile(src.File)
		if err != nil {
			return "", fmt.Errorf("token file: %w", err)
		}
		if IsEncrypted(b) {
			plain, err := decrypt(b, src.IdentityFile)
			if err != nil {
				return "", err
			}
			b = plain
		}
		tok = string(b)
	case strings.TrimSpace(src.Env) != "":
		tok = os.Getenv(src.Env)
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", fmt.Errorf("secret: %w: empty token", contract.ErrInvalidInput)
	}
	return tok, nil
}

// IsEncrypted 判断内容是否为 age 格式（二进制或 ASCII armor）。
func IsEncrypted(b []byte) bool {
	t := bytes.TrimSpace(b)
	return bytes.HasPrefix(t, []byte(ageHeader)) || bytes.HasPrefix(t, []byte(armorHeader))
}

func decrypt(b []byte, identityFile string) ([]byte, error) {
	if strings.TrimSpace(identityFile) == "" {
		return nil, fmt.Errorf("secret: %w: token file is age-encrypted but no identity file configured", contract.ErrInvalidInput)
	}
	f, err := os.Open(identityFile)
	if err != nil {
		return nil, fmt.Errorf("identity file: %w", err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("secret: parse identities: %w", err)
	}
	var r io.Reader = bytes.NewReader(b)
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte(armorHeader)) {
		r = armor.NewReader(bytes.NewReader(bytes.TrimSpace(b)))
	}
	dr, err := age.Decrypt(r, ids...)
	if err != nil {
		return nil, fmt.Errorf("secret: decrypt: %w", err)
	}
	return io.ReadAll(dr)
}
