package migration

import "context"

const defaultContentType = "text/html; charset=utf-8"

// Converter 把旧格式正文转换为缓存格式。
type Converter interface {
	Convert(ctx context.Context, rec *Record) (content []byte, contentType string, err error)
}

// PassthroughConverter 原样返回正文，仅补全缺失的 Content-Type。
type PassthroughConverter struct{}

// Convert 实现 Converter。
func (PassthroughConverter) Convert(_ context.Context, rec *Record) ([]byte, string, error) {
	contentType := rec.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	return rec.Content, contentType, nil
}
