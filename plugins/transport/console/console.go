package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/SOF3/bthint/pkg/contract"
)

// Options 为控制台传输的可选配置。
type Options struct {
	// Inputs: 文件/目录，或单独的 "-" 表示 STDIN。为空等价于 "-"。
	Inputs []string `json:"inputs"`
	// Format: "text"（每个文件为一条消息，默认）或 "jsonl"（每行一条 JSON 消息）。
	Format string `json:"format"`
	// Output: 回复写出路径；为空写 STDOUT。
	Output string `json:"output"`
	// ChannelID/AuthorID: text 模式下消息的频道与作者，默认 console / console-user。
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 扫描目录时跳过这些目录名（基名大小写不敏感）。
	ExcludeDirNames []string `json:"exclude_dir_names"`
}

// Line: jsonl 模式的输入行。
type Line struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
}

// ReplyLine: 回复的输出行。
type ReplyLine struct {
	ReplyTo   string `json:"reply_to"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// Console 以本地文件/STDIN 充当聊天后端：读取全部输入后 Listen 返回。
type Console struct {
	inputs     []string
	jsonl      bool
	channel    string
	author     string
	bufSize    int
	excludeDir map[string]struct{}
	stdin      io.Reader

	mu  sync.Mutex
	out io.Writer
	c   io.Closer
}

// New 创建控制台传输；Output 非空时立即创建（截断）该文件。
func New(opts *Options) (*Console, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	jsonl := false
	switch strings.ToLower(strings.TrimSpace(o.Format)) {
	case "", "text":
	case "jsonl":
		jsonl = true
	default:
		return nil, fmt.Errorf("console: %w: unknown format %q", contract.ErrInvalidInput, o.Format)
	}
	if o.ChannelID == "" {
		o.ChannelID = "console"
	}
	if o.AuthorID == "" {
		o.AuthorID = "console-user"
	}
	if o.BufSize <= 0 {
		o.BufSize = 64 * 1024
	}
	ex := make(map[string]struct{})
	for _, name := range o.ExcludeDirNames {
		if name != "" {
			ex[strings.ToLower(name)] = struct{}{}
		}
	}
	c := &Console{
		inputs: o.Inputs, jsonl: jsonl, channel: o.ChannelID, author: o.AuthorID,
		bufSize: o.BufSize, excludeDir: ex, stdin: os.Stdin, out: os.Stdout,
	}
	if o.Output != "" {
		if err := os.MkdirAll(filepath.Dir(o.Output), 0o755); err != nil {
			return nil, err
		}
		f, err := os.Create(o.Output)
		if err != nil {
			return nil, err
		}
		c.out, c.c = f, f
	}
	return c, nil
}

// NewWithIO 使用给定的输入与输出（测试与 -check 模式使用）。
func NewWithIO(opts *Options, in io.Reader, out io.Writer) (*Console, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.Output = ""
	c, err := New(&o)
	if err != nil {
		return nil, err
	}
	c.stdin, c.out = in, out
	return c, nil
}

// Close 关闭输出文件（若有）。
func (c *Console) Close() error {
	if c.c == nil {
		return nil
	}
	return c.c.Close()
}

// Reply 实现 contract.Transport：写出一行 JSON。
func (c *Console) Reply(ctx context.Context, to contract.Message, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ReplyLine{ReplyTo: string(to.ID), ChannelID: to.ChannelID, Content: content})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.out.Write(append(b, '\n'))
	return err
}

// Listen 实现 contract.Transport：按稳定顺序投递全部输入后返回 nil。
func (c *Console) Listen(ctx context.Context, handle func(ctx context.Context, m contract.Message) error) error {
	roots := c.inputs
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return c.emit(ctx, "stdin", bufio.NewReaderSize(c.stdin, c.bufSize), handle)
	}
	// 禁止与其他根混用 "-"
	for _, s := range roots {
		if s == "-" {
			return fmt.Errorf("console: %w: stdin '-' cannot be mixed with other inputs", contract.ErrInvalidInput)
		}
	}
	for _, root := range roots {
		if err := c.iterateOne(ctx, root, handle); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *Console) iterateOne(ctx context.Context, root string, handle func(context.Context, contract.Message) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return c.walkDir(ctx, root, handle)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return c.emitFile(ctx, root, handle)
}

func (c *Console) walkDir(ctx context.Context, dir string, handle func(context.Context, contract.Message) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	// 稳定顺序：字典序；先目录后文件；目录符号链接不跟随
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		if _, skip := c.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := c.walkDir(ctx, filepath.Join(dir, e.Name()), handle); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		t, err := os.Stat(p)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			continue
		}
		if err := c.emitFile(ctx, p, handle); err != nil {
			return err
		}
	}
	return nil
}

func (c *Console) emitFile(ctx context.Context, path string, handle func(context.Context, contract.Message) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.emit(ctx, path, bufio.NewReaderSize(f, c.bufSize), handle)
}

func (c *Console) emit(ctx context.Context, path string, r *bufio.Reader, handle func(context.Context, contract.Message) error) error {
	if !c.jsonl {
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return handle(ctx, contract.Message{
			ID:        contract.MessageIDFromPath(path, ""),
			ChannelID: c.channel,
			AuthorID:  c.author,
			Content:   string(b),
		})
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, c.bufSize), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var ln Line
		if err := json.Unmarshal([]byte(raw), &ln); err != nil {
			return fmt.Errorf("console: %s:%d: %w", path, n, contract.ErrInvalidInput)
		}
		m := contract.Message{
			ID:        contract.MessageID(ln.ID),
			ChannelID: ln.ChannelID,
			GuildID:   ln.GuildID,
			AuthorID:  ln.AuthorID,
			Content:   ln.Content,
		}
		if m.ID == "" {
			m.ID = contract.MessageIDFromPath(path, strconv.Itoa(n))
		}
		if m.ChannelID == "" {
			m.ChannelID = c.channel
		}
		if m.AuthorID == "" {
			m.AuthorID = c.author
		}
		if err := handle(ctx, m); err != nil {
			return err
		}
	}
	return sc.Err()
}

var _ contract.Transport = (*Console)(nil)
