package discovery

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog/log"
)

// decompress 根据Content-Encoding解压响应体,支持gzip、deflate和br
func decompress(contentEncoding string, body []byte) ([]byte, error) {
	var reader io.Reader
	switch encoding := strings.ToLower(strings.TrimSpace(contentEncoding)); encoding {
	case "", "identity":
		return body, nil
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(bytes.NewReader(body))
		defer fl.Close()
		reader = fl
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("不支持的压缩格式: %s", encoding)
	}

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%s读取失败: %w", contentEncoding, err)
	}
	return out, nil
}

// decodeBody 返回可解析的JSON响应体
// HTTP客户端可能已经解压过gzip,此时保留原始内容
func decodeBody(contentEncoding string, body []byte) []byte {
	if json.Valid(body) {
		return body
	}
	out, err := decompress(contentEncoding, body)
	if err != nil {
		log.Debug().Err(err).Str("encoding", contentEncoding).Msg("解压响应失败,使用原始内容")
		return body
	}
	return out
}
