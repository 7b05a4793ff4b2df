// Package compressor 提供 WebSocket 二进制消息的压缩能力。
package compressor

// Compressor 抽象了单条消息的压缩与解压。
type Compressor interface {
	// Compress 将 src 压缩后追加到 dst[:0]，返回完整的压缩数据。
	Compress(dst, src []byte) (packet []byte, err error)

	// Decompress 将 src 解压后追加到 dst[:0]。
	// src 不是压缩数据时原样返回，因此低于压缩阈值的消息无需额外标记。
	Decompress(dst, src []byte) (plain []byte, err error)
}

// NopCompressor 不做任何处理，直接返回输入内容。
type NopCompressor struct{}

func (NopCompressor) Compress(_ []byte, src []byte) ([]byte, error) {
	return src, nil
}

func (NopCompressor) Decompress(_ []byte, src []byte) ([]byte, error) {
	return src, nil
}

var _ Compressor = NopCompressor{}

// Algorithm 为配置中的压缩算法名。
type Algorithm string

const (
	AlgorithmNone Algorithm = "none"
	AlgorithmZstd Algorithm = "zstd"
)
