// =============================================================================
// 📁 BESH 文件存储
// =============================================================================
// JSONL 记录文件的本地存储：按文件 id 寻址，支持顺序读取、
// 整体写入（临时文件 + 原子重命名）、压缩上传与逐行 JSON 校验。
// =============================================================================

package filestore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotFound 表示文件 id 不存在
	ErrNotFound = errors.New("file not found")
	// ErrInvalidJSONL 表示上传内容中存在非法 JSON 行
	ErrInvalidJSONL = errors.New("invalid JSONL format")
)

// 单行最大 16MB，完整请求体可能很大
const maxLineBytes = 16 << 20

// Store 管理一个目录下的 JSONL 文件
type Store struct {
	dir    string
	logger *zap.Logger
}

// New 创建文件存储，目录不存在时自动创建
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:    dir,
		logger: logger.With(zap.String("component", "filestore")),
	}, nil
}

// NewFileID 生成新的文件 id，32 位十六进制 UUID
func NewFileID() string {
	return "file_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Path 返回文件 id 对应的磁盘路径
func (s *Store) Path(id string) string {
	if !strings.HasSuffix(id, ".jsonl") {
		id += ".jsonl"
	}
	return filepath.Join(s.dir, id)
}

// ReadLines 顺序读取文件的全部行（不含换行符）。
// 文件不存在时返回包裹 ErrNotFound 的错误。
func (s *Store) ReadLines(fileID string) ([]string, error) {
	f, err := os.Open(s.Path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open file %s: %w", fileID, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", fileID, err)
	}
	return lines, nil
}

// WriteLines 将所有行写入文件。先写临时文件再重命名，
// 正常运行下读者不会看到半写状态。
func (s *Store) WriteLines(fileID string, lines []string) error {
	target := s.Path(fileID)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write line: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write line: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Info 文件元信息，对外 JSON 表示
type Info struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
}

// Stat 返回文件元信息
func (s *Store) Stat(fileID string) (*Info, error) {
	fi, err := os.Stat(s.Path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat file %s: %w", fileID, err)
	}
	return &Info{
		ID:        fileID,
		Object:    "file",
		Bytes:     fi.Size(),
		CreatedAt: fi.ModTime().Unix(),
		Filename:  fileID + ".jsonl",
		Purpose:   "batch",
	}, nil
}

// Delete 删除文件
func (s *Store) Delete(fileID string) error {
	if err := os.Remove(s.Path(fileID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file %s: %w", fileID, ErrNotFound)
		}
		return fmt.Errorf("failed to delete file %s: %w", fileID, err)
	}
	return nil
}

// Open 打开文件用于下载
func (s *Store) Open(fileID string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open file %s: %w", fileID, err)
	}
	return f, nil
}

// List 列出全部文件，按创建时间倒序
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".jsonl")
		info, err := s.Stat(id)
		if err != nil {
			continue
		}
		infos = append(infos, *info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt > infos[j].CreatedAt
	})
	return infos, nil
}

// CompressionInfo 上传响应中的压缩统计
type CompressionInfo struct {
	Format           string  `json:"format"`
	OriginalSize     int64   `json:"original_size"`
	DecompressedSize int64   `json:"decompressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// UploadResult 上传结果
type UploadResult struct {
	Info
	LineCount   int              `json:"line_count"`
	Compression *CompressionInfo `json:"compression,omitempty"`
}

// SaveUpload 保存上传内容：按扩展名识别压缩格式并解压，
// 逐行校验 JSON，全部通过后落盘。originalSize 为压缩前的请求体大小，
// 为 0 时不输出压缩统计。
func (s *Store) SaveUpload(r io.Reader, filename, purpose string, originalSize int64) (*UploadResult, error) {
	format := DetectFormat(filename)
	decompressed, err := newDecompressReader(r, format)
	if err != nil {
		return nil, err
	}

	fileID := NewFileID()
	var lines []string
	scanner := bufio.NewScanner(decompressed)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			if !json.Valid([]byte(line)) {
				return nil, ErrInvalidJSONL
			}
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	if err := s.WriteLines(fileID, lines); err != nil {
		return nil, err
	}

	info, err := s.Stat(fileID)
	if err != nil {
		return nil, err
	}
	info.Filename = filename
	if purpose != "" {
		info.Purpose = purpose
	}

	result := &UploadResult{Info: *info, LineCount: len(lines)}
	if format != FormatNone && originalSize > 0 {
		ratio := 1.0
		if info.Bytes > 0 {
			ratio = float64(originalSize) / float64(info.Bytes)
		}
		result.Compression = &CompressionInfo{
			Format:           string(format),
			OriginalSize:     originalSize,
			DecompressedSize: info.Bytes,
			CompressionRatio: float64(int(ratio*100)) / 100,
		}
	}

	s.logger.Info("file uploaded",
		zap.String("file_id", fileID),
		zap.String("filename", filename),
		zap.Int64("bytes", info.Bytes),
		zap.String("compression", string(format)),
	)
	return result, nil
}
