package action

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Codec names accepted by -compressionImpl.
const (
	CodecZlib   = "Zlib"
	CodecGzip   = "Gzip"
	CodecSnappy = "snappy"
	CodecZstd   = "Zstd"
)

const (
	defaultCompressBuf = 1 << 20
	// 原始與壓縮位置表最多 5000 筆，檔案越大 buffer 越大
	maxCompressChunks = 5000
)

// CompressionInfo is the JSON result of a compress action.
type CompressionInfo struct {
	FileName         string `json:"fileName"`
	BufferSize       int    `json:"bufferSize"`
	CompressionImpl  string `json:"compressionImpl"`
	OriginalLength   int64  `json:"originalLength"`
	CompressedLength int64  `json:"compressedLength"`
}

// CompressAction replaces a file with its compressed form.
type CompressAction struct {
	Base
	deps    Deps
	codec   string
	userBuf int
}

func (a *CompressAction) Init(params map[string]string) error {
	if err := a.Base.Init(params); err != nil {
		return err
	}
	if err := a.requireFilePath(); err != nil {
		return err
	}
	a.codec = CodecSnappy
	if a.HasParam(ParamCompressionImpl) {
		a.codec = a.Param(ParamCompressionImpl)
	}
	if !validCodec(a.codec) {
		return fmt.Errorf("compress: unsupported compressionImpl %q", a.codec)
	}
	if a.HasParam(ParamBufSize) {
		n, err := strconv.Atoi(a.Param(ParamBufSize))
		if err != nil || n < 0 {
			return fmt.Errorf("%s %q: invalid size", ParamBufSize, a.Param(ParamBufSize))
		}
		a.userBuf = n
	}
	return nil
}

func (a *CompressAction) Execute(ctx context.Context) error {
	src := a.FilePath()
	now := a.deps.now()
	a.AppendLog("Action starts at %s : Read %s", formatTime(now), src)

	st, err := a.deps.FS.GetFileInfo(ctx, src)
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if st.IsDir {
		return fmt.Errorf("compress %s: is a directory", src)
	}

	bufSize := a.bufferSize(st.Length)
	info := CompressionInfo{
		FileName:        src,
		BufferSize:      bufSize,
		CompressionImpl: a.codec,
		OriginalLength:  st.Length,
	}

	tmp := path.Join("/tmp/smart-tier", src) + "." + strconv.FormatInt(now.UnixMilli(), 10) + ".compress"
	if err := a.compressTo(ctx, src, tmp, bufSize); err != nil {
		_ = a.deps.FS.Delete(ctx, tmp)
		return err
	}
	out, err := a.deps.FS.GetFileInfo(ctx, tmp)
	if err != nil {
		return fmt.Errorf("compress: stat %s: %w", tmp, err)
	}
	info.CompressedLength = out.Length

	result, err := json.Marshal(info)
	if err != nil {
		return err
	}
	a.AppendResult(string(result))

	// 以壓縮檔取代原檔
	if err := a.deps.FS.Delete(ctx, src); err != nil {
		return fmt.Errorf("compress: delete original: %w", err)
	}
	if err := a.deps.FS.Rename(ctx, tmp, src); err != nil {
		return fmt.Errorf("compress: rename %s: %w", tmp, err)
	}
	a.AppendLog("Compressed %s with %s: %d -> %d bytes", src, a.codec, info.OriginalLength, info.CompressedLength)
	return nil
}

// bufferSize picks the larger of the user size, the size implied by the
// chunk limit and the default, logging when the user size was too small.
func (a *CompressAction) bufferSize(length int64) int {
	calculated := int(length / maxCompressChunks)
	if a.userBuf < defaultCompressBuf || a.userBuf < calculated {
		if defaultCompressBuf <= calculated {
			a.AppendLog("User defined buffersize is too small, use the calculated buffersize: %d", calculated)
		} else if a.HasParam(ParamBufSize) {
			a.AppendLog("User defined buffersize is too small, use the default buffersize: %d", defaultCompressBuf)
		}
	}
	return max(a.userBuf, calculated, defaultCompressBuf)
}

func (a *CompressAction) compressTo(ctx context.Context, src, dst string, bufSize int) error {
	r, err := a.deps.FS.Open(ctx, src)
	if err != nil {
		return fmt.Errorf("compress: open: %w", err)
	}
	defer r.Close()

	w, err := a.deps.FS.Create(ctx, dst, true)
	if err != nil {
		return fmt.Errorf("compress: create %s: %w", dst, err)
	}
	cw, err := newCompressor(a.codec, w)
	if err != nil {
		_ = w.Close()
		return err
	}
	if _, err := io.CopyBuffer(cw, ctxReader{ctx: ctx, r: r}, make([]byte, bufSize)); err != nil {
		_ = cw.Close()
		_ = w.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if err := cw.Close(); err != nil {
		_ = w.Close()
		return fmt.Errorf("compress: flush: %w", err)
	}
	return w.Close()
}

func validCodec(codec string) bool {
	for _, c := range []string{CodecZlib, CodecGzip, CodecSnappy, CodecZstd} {
		if strings.EqualFold(c, codec) {
			return true
		}
	}
	return false
}

// newCompressor wraps w with the named codec. Names match case-insensitively.
func newCompressor(codec string, w io.Writer) (io.WriteCloser, error) {
	switch strings.ToLower(codec) {
	case strings.ToLower(CodecZlib):
		return zlib.NewWriter(w), nil
	case strings.ToLower(CodecGzip):
		return gzip.NewWriter(w), nil
	case strings.ToLower(CodecSnappy):
		return s2.NewWriter(w, s2.WriterSnappyCompat()), nil
	case strings.ToLower(CodecZstd):
		return zstd.NewWriter(w)
	}
	return nil, fmt.Errorf("compress: unsupported compressionImpl %q", codec)
}

// NewDecompressor is the inverse of the codec used by compress.
func NewDecompressor(codec string, r io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(codec) {
	case strings.ToLower(CodecZlib):
		return zlib.NewReader(r)
	case strings.ToLower(CodecGzip):
		return gzip.NewReader(r)
	case strings.ToLower(CodecSnappy):
		return io.NopCloser(s2.NewReader(r)), nil
	case strings.ToLower(CodecZstd):
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("compress: unsupported compressionImpl %q", codec)
}
