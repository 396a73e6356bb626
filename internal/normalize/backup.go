package normalize

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"dataset-trainer-go/internal/model"
)

// BackupHeader 备份文件的表头，导出与导入共用。
var BackupHeader = []string{"q", "a", "indexes"}

// BackupRow 备份文件中的一行：第三列起每一列是一条自定义索引。
type BackupRow struct {
	Q       string
	A       string
	Indexes []string
}

// ParseBackup 解析备份 CSV，表头不符时返回 ErrBadBackupHeader。
func ParseBackup(r io.Reader) ([]BackupRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyText
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBackupHeader, err)
	}
	if !validHeader(header) {
		return nil, fmt.Errorf("%w: %q", ErrBadBackupHeader, strings.Join(header, ","))
	}

	var rows []BackupRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: 第 %d 行: %v", ErrBadBackupRow, line, err)
		}
		row := BackupRow{Q: strings.TrimSpace(field(rec, 0)), A: strings.TrimSpace(field(rec, 1))}
		if row.Q == "" {
			continue
		}
		for _, idx := range rec[min(len(rec), 2):] {
			if idx = strings.TrimSpace(idx); idx != "" {
				row.Indexes = append(row.Indexes, idx)
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyText
	}
	return rows, nil
}

func validHeader(header []string) bool {
	if len(header) < len(BackupHeader) {
		return false
	}
	for i, want := range BackupHeader {
		got := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")))
		if got != want {
			return false
		}
	}
	return true
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

// BackupWriter 以备份格式写出数据，输出可以直接作为 backup 模式导入。
type BackupWriter struct {
	w *csv.Writer
}

// NewBackupWriter 创建 BackupWriter 并写入表头。
func NewBackupWriter(w io.Writer) (*BackupWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(BackupHeader); err != nil {
		return nil, err
	}
	return &BackupWriter{w: cw}, nil
}

// Write 写出一条数据，默认索引由 q/a 推导，不重复写出。
func (b *BackupWriter) Write(rec *model.DataRecord) error {
	row := []string{rec.Q, rec.A}
	for _, idx := range rec.Indexes {
		if idx.DefaultIndex {
			continue
		}
		row = append(row, idx.Text)
	}
	return b.w.Write(row)
}

// Flush 刷新缓冲并返回写入过程中的错误。
func (b *BackupWriter) Flush() error {
	b.w.Flush()
	return b.w.Error()
}

// ToIndexes 把备份行的索引列转换为自定义索引。
func (r BackupRow) ToIndexes() []model.DataIndex {
	out := make([]model.DataIndex, 0, len(r.Indexes))
	for _, text := range r.Indexes {
		out = append(out, model.DataIndex{Type: model.IndexChunk, Text: text})
	}
	return out
}
