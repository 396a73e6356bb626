// Package normalize 把各种来源的内容统一转换为纯文本。
package normalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/PuerkitoBio/goquery"
	"github.com/jaytaylor/html2text"

	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/tika"
)

var (
	ErrUnsupportedType = errors.New("不支持的文件类型")
	ErrEmptyText       = errors.New("内容为空")
	ErrBadBackupHeader = errors.New("备份文件表头必须为 q,a,indexes")
	ErrBadBackupRow    = errors.New("备份文件格式错误")
	ErrFetch           = errors.New("链接抓取失败")
)

// IsInputError 判断是否为输入错误，这类错误直接返回给调用方，不会重试。
func IsInputError(err error) bool {
	return errors.Is(err, ErrUnsupportedType) || errors.Is(err, ErrEmptyText) ||
		errors.Is(err, ErrBadBackupHeader) || errors.Is(err, ErrBadBackupRow) || errors.Is(err, ErrFetch)
}

// Source 内容来源，具体类型见 Text、File、Link、Images、Backup、Folder。
type Source interface {
	Type() model.SourceType
}

// Text 直接粘贴的文本。
type Text struct {
	Name    string
	Content string
}

// File 上传的文件原件。
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Link 远程网页，Selector 非空时只保留匹配的节点。
type Link struct {
	URL      string
	Selector string
}

// Image 一张上传的图片。
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Images 一组图片，每张图片对应一个训练条目。
type Images struct {
	Name  string
	Items []Image
}

// Backup 导出的备份 CSV。
type Backup struct {
	Name string
	Data []byte
}

// Folder 目录或虚拟集合，没有内容。
type Folder struct {
	Name    string
	Virtual bool
}

func (Text) Type() model.SourceType   { return model.SourceText }
func (File) Type() model.SourceType   { return model.SourceFile }
func (Link) Type() model.SourceType   { return model.SourceLink }
func (Images) Type() model.SourceType { return model.SourceImages }
func (Backup) Type() model.SourceType { return model.SourceFile }
func (f Folder) Type() model.SourceType {
	if f.Virtual {
		return model.SourceVirtual
	}
	return model.SourceFolder
}

// Result 归一化结果。
type Result struct {
	Type     model.SourceType
	RawText  string
	Title    string
	MimeType string
	// Fingerprint 用于去重的原始字节；目录为空
	Fingerprint []byte
	Rows        []BackupRow
	Images      []Image
}

// Options 链接抓取参数。
type Options struct {
	FetchTimeout time.Duration
	MaxBytes     int64
}

// Normalizer 内容归一化器，文件优先交给 Tika，未配置 Tika 时使用 docconv。
type Normalizer struct {
	tika *tika.Client
	http *http.Client
	max  int64
}

// New 创建 Normalizer，tikaClient 可以为 nil。
func New(tikaClient *tika.Client, opts Options) *Normalizer {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 20 << 20
	}
	return &Normalizer{tika: tikaClient, http: &http.Client{Timeout: opts.FetchTimeout}, max: opts.MaxBytes}
}

// Normalize 按来源类型分派到对应的读取逻辑。
func (n *Normalizer) Normalize(ctx context.Context, src Source) (*Result, error) {
	switch s := src.(type) {
	case Text:
		return n.text(s)
	case File:
		return n.file(ctx, s)
	case Link:
		return n.link(ctx, s)
	case Images:
		return n.images(s)
	case Backup:
		return n.backup(s)
	case Folder:
		return &Result{Type: s.Type(), Title: s.Name}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, src)
	}
}

func (n *Normalizer) text(s Text) (*Result, error) {
	raw := cleanText(s.Content)
	if raw == "" {
		return nil, ErrEmptyText
	}
	return &Result{Type: model.SourceText, RawText: raw, Title: s.Name, MimeType: "text/plain", Fingerprint: []byte(raw)}, nil
}

// 可直接按 utf-8 读取的类型
var plainTypes = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true, ".json": true, ".log": true,
}

// 交给 Tika 或 docconv 的类型
var documentTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".odt":  "application/vnd.oasis.opendocument.text",
	".rtf":  "application/rtf",
	".html": "text/html",
	".htm":  "text/html",
	".xml":  "text/xml",
}

func (n *Normalizer) file(ctx context.Context, f File) (*Result, error) {
	if len(f.Data) == 0 {
		return nil, ErrEmptyText
	}
	ext := strings.ToLower(filepath.Ext(f.Name))
	res := &Result{Type: model.SourceFile, Title: f.Name, Fingerprint: f.Data}

	if plainTypes[ext] {
		if !utf8.Valid(f.Data) {
			return nil, fmt.Errorf("%w: %s 不是 utf-8 文本", ErrUnsupportedType, f.Name)
		}
		res.MimeType = "text/plain"
		res.RawText = cleanText(string(f.Data))
	} else {
		mimeType, ok := documentTypes[ext]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
		}
		res.MimeType = mimeType
		text, err := n.extract(ctx, f.Name, mimeType, f.Data)
		if err != nil {
			return nil, err
		}
		res.RawText = cleanText(text)
	}
	if res.RawText == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyText, f.Name)
	}
	return res, nil
}

func (n *Normalizer) extract(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	if n.tika != nil {
		text, err := n.tika.ExtractText(ctx, bytes.NewReader(data), name)
		if err == nil {
			return text, nil
		}
		log.Warnf("[Normalizer] Tika 解析失败，改用 docconv, file: %s, error: %v", name, err)
	}
	if mimeType == "text/html" {
		return htmlToText(data)
	}
	resp, err := docconv.Convert(bytes.NewReader(data), mimeType, false)
	if err != nil {
		return "", fmt.Errorf("%w: %s 解析失败: %v", ErrUnsupportedType, name, err)
	}
	return resp.Body, nil
}

func (n *Normalizer) link(ctx context.Context, l Link) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("User-Agent", "dataset-trainer/1.0")
	resp, err := n.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: 状态码 %d", ErrFetch, resp.StatusCode)
	}
	// 多读一个字节用来判断页面是否超限
	body, err := io.ReadAll(io.LimitReader(resp.Body, n.max+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if int64(len(body)) > n.max {
		log.Warnf("[Normalizer] 链接内容超过上限, url: %s, max: %d", l.URL, n.max)
		return nil, fmt.Errorf("%w: 超过 %d 字节", ErrFetch, n.max)
	}

	res := &Result{Type: model.SourceLink, MimeType: "text/html"}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/plain") {
		res.MimeType = "text/plain"
		res.RawText = cleanText(string(body))
		res.Title = l.URL
	} else {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetch, err)
		}
		res.Title = strings.TrimSpace(doc.Find("title").First().Text())
		if res.Title == "" {
			res.Title = l.URL
		}
		text, err := selectionText(doc, l.Selector)
		if err != nil {
			return nil, err
		}
		res.RawText = cleanText(text)
	}
	if res.RawText == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyText, l.URL)
	}
	res.Fingerprint = []byte(res.RawText)
	return res, nil
}

func selectionText(doc *goquery.Document, selector string) (string, error) {
	doc.Find("script,style,noscript,iframe").Remove()
	sel := doc.Find("body")
	if selector != "" {
		sel = doc.Find(selector)
	}
	var parts []string
	var firstErr error
	sel.Each(func(_ int, s *goquery.Selection) {
		html, err := goquery.OuterHtml(s)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		text, err := html2text.FromString(html, html2text.Options{})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		parts = append(parts, text)
	})
	if len(parts) == 0 && firstErr != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, firstErr)
	}
	return strings.Join(parts, "\n\n"), nil
}

func htmlToText(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	return selectionText(doc, "")
}

func (n *Normalizer) images(s Images) (*Result, error) {
	if len(s.Items) == 0 {
		return nil, ErrEmptyText
	}
	var fp bytes.Buffer
	items := make([]Image, 0, len(s.Items))
	for _, img := range s.Items {
		if len(img.Data) == 0 {
			continue
		}
		ct := http.DetectContentType(img.Data)
		if !strings.HasPrefix(ct, "image/") {
			return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedType, img.Name, ct)
		}
		img.ContentType = ct
		items = append(items, img)
		fp.Write(img.Data)
	}
	if len(items) == 0 {
		return nil, ErrEmptyText
	}
	return &Result{Type: model.SourceImages, Title: s.Name, MimeType: "image/*", Images: items, Fingerprint: fp.Bytes()}, nil
}

func (n *Normalizer) backup(b Backup) (*Result, error) {
	rows, err := ParseBackup(bytes.NewReader(b.Data))
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, r := range rows {
		sb.WriteString(model.DefaultIndexText(r.Q, r.A))
		sb.WriteString("\n")
	}
	return &Result{
		Type: model.SourceFile, Title: b.Name, MimeType: "text/csv",
		RawText: strings.TrimSpace(sb.String()), Rows: rows, Fingerprint: b.Data,
	}, nil
}

// cleanText 统一换行，去掉不可见字符与多余空行。
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.Map(func(r rune) rune {
		if r == 0 || r == '\ufeff' || r == '\u200b' {
			return -1
		}
		return r
	}, s)
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " ")
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			line = ""
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
