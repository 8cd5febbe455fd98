package filestore

import (
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
)

// Format 上传文件的压缩格式
type Format string

const (
	FormatNone Format = ""
	FormatGzip Format = "gzip"
	FormatZip  Format = "zip"
	FormatBz2  Format = "bz2"
)

// DetectFormat 按文件扩展名识别压缩格式
func DetectFormat(filename string) Format {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".gz"), strings.HasSuffix(lower, ".gzip"):
		return FormatGzip
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".bz2"):
		return FormatBz2
	default:
		return FormatNone
	}
}

// newDecompressReader 按格式包装解压读取器。
// gzip 与 bz2 为流式；zip 需要随机访问，整体读入内存。
func newDecompressReader(r io.Reader, format Format) (io.Reader, error) {
	switch format {
	case FormatNone:
		return r, nil

	case FormatGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress file: %w", err)
		}
		return gz, nil

	case FormatBz2:
		return bzip2.NewReader(r), nil

	case FormatZip:
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read zip upload: %w", err)
		}
		zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress file: %w", err)
		}
		if len(zr.File) == 0 {
			return nil, fmt.Errorf("failed to decompress file: empty zip")
		}
		// 优先取压缩包内的 .jsonl 条目，否则取第一个
		target := zr.File[0]
		for _, f := range zr.File {
			if strings.HasSuffix(strings.ToLower(f.Name), ".jsonl") {
				target = f
				break
			}
		}
		inner, err := target.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to decompress file: %w", err)
		}
		return inner, nil

	default:
		return nil, fmt.Errorf("unsupported compression format: %s", format)
	}
}
