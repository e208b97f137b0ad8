// Package analyzer inspects APK and AAB containers and reports how their
// uncompressed size is distributed.
package analyzer

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
)

var (
	ErrNotAnArchive = errors.New("not a zip archive")
	ErrTruncated    = errors.New("zip central directory truncated")
)

// TopK is how many of the largest entries a Result keeps.
const TopK = 10

type Category string

const (
	CategoryDex        Category = "dex"
	CategoryAssets     Category = "assets"
	CategoryResources  Category = "resources"
	CategoryNativeLibs Category = "native_libs"
	CategoryOther      Category = "other"
)

// Breakdown holds the uncompressed bytes per category. Every entry is counted
// in exactly one field.
type Breakdown struct {
	Dex        int64 `json:"dex"`
	Assets     int64 `json:"assets"`
	Resources  int64 `json:"resources"`
	NativeLibs int64 `json:"native_libs"`
	Other      int64 `json:"other"`
}

func (b *Breakdown) add(c Category, n int64) {
	switch c {
	case CategoryDex:
		b.Dex += n
	case CategoryAssets:
		b.Assets += n
	case CategoryResources:
		b.Resources += n
	case CategoryNativeLibs:
		b.NativeLibs += n
	default:
		b.Other += n
	}
}

func (b Breakdown) Sum() int64 {
	return b.Dex + b.Assets + b.Resources + b.NativeLibs + b.Other
}

type Entry struct {
	Name           string   `json:"name"`
	Size           int64    `json:"size"`
	CompressedSize int64    `json:"compressed_size"`
	Category       Category `json:"category"`
}

type Result struct {
	TotalSize      int64     `json:"total_size"`
	CompressedSize int64     `json:"compressed_size"`
	MethodCount    int64     `json:"method_count"`
	DexFiles       int       `json:"dex_files"`
	NativeLibSize  int64     `json:"native_lib_size"`
	ABIs           []string  `json:"abis"`
	Bundle         bool      `json:"bundle"`
	Entries        int       `json:"entries"`
	Breakdown      Breakdown `json:"breakdown"`
	LargestFiles   []Entry   `json:"largest_files"`
}

func AnalyzeFile(p string) (Result, error) {
	f, err := os.Open(p)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return Result{}, err
	}
	return Analyze(f, fi.Size())
}

// Analyze reads the container in r. It does not modify r and may run
// concurrently on the same reader.
func Analyze(r io.ReaderAt, size int64) (Result, error) {
	found, err := hasDirectoryEnd(r, size)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, ErrNotAnArchive
	}
	zr, err := zip.NewReader(r, size)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return Result{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	res := Result{ABIs: []string{}, LargestFiles: []Entry{}}
	res.Bundle = isBundle(zr.File)
	abis := map[string]struct{}{}
	entries := make([]Entry, 0, len(zr.File))

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		name := f.Name
		if res.Bundle {
			name = stripModule(name)
		}
		cat, abi := classify(name)
		e := Entry{
			Name:           f.Name,
			Size:           int64(f.UncompressedSize64),
			CompressedSize: int64(f.CompressedSize64),
			Category:       cat,
		}
		entries = append(entries, e)
		res.Entries++
		res.TotalSize += e.Size
		res.CompressedSize += e.CompressedSize
		res.Breakdown.add(cat, e.Size)

		switch cat {
		case CategoryDex:
			res.DexFiles++
			res.MethodCount += int64(dexMethodCount(f))
		case CategoryNativeLibs:
			abis[abi] = struct{}{}
		}
	}
	res.NativeLibSize = res.Breakdown.NativeLibs

	for abi := range abis {
		res.ABIs = append(res.ABIs, abi)
	}
	sort.Strings(res.ABIs)

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Size != entries[j].Size {
			return entries[i].Size > entries[j].Size
		}
		return entries[i].Name < entries[j].Name
	})
	if len(entries) > TopK {
		entries = entries[:TopK]
	}
	res.LargestFiles = append(res.LargestFiles, entries...)
	return res, nil
}

const (
	directoryEndLen = 22
	maxCommentLen   = 0xffff
)

var directoryEndSig = []byte("PK\x05\x06")

// hasDirectoryEnd reports whether an end of central directory record exists
// in the tail of the file.
func hasDirectoryEnd(r io.ReaderAt, size int64) (bool, error) {
	if size < directoryEndLen {
		return false, nil
	}
	n := int64(directoryEndLen + maxCommentLen)
	if n > size {
		n = size
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, size-n); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read archive tail: %w", err)
	}
	for i := len(buf) - directoryEndLen; i >= 0; i-- {
		if bytes.Equal(buf[i:i+4], directoryEndSig) {
			return true, nil
		}
	}
	return false, nil
}

func isBundle(files []*zip.File) bool {
	for _, f := range files {
		if f.Name == "BundleConfig.pb" {
			return true
		}
	}
	return false
}

// stripModule drops the module directory ("base/", "feature1/") of a bundle
// entry. Bundle level metadata keeps its name.
func stripModule(name string) string {
	first, rest, ok := strings.Cut(name, "/")
	if !ok || first == "META-INF" || first == "BUNDLE-METADATA" {
		return name
	}
	return rest
}

func classify(name string) (Category, string) {
	switch {
	case strings.EqualFold(path.Ext(name), ".dex"):
		return CategoryDex, ""
	case strings.HasPrefix(name, "assets/"):
		return CategoryAssets, ""
	case strings.HasPrefix(name, "res/"), name == "resources.arsc", name == "resources.pb":
		return CategoryResources, ""
	}
	if rest, ok := strings.CutPrefix(name, "lib/"); ok {
		abi, file, ok := strings.Cut(rest, "/")
		if ok && abi != "" && !strings.Contains(file, "/") && strings.HasSuffix(file, ".so") {
			return CategoryNativeLibs, abi
		}
	}
	return CategoryOther, ""
}

const (
	dexHeaderSize        = 0x70
	dexHeaderSizeOffset  = 0x24
	dexMethodIdsOffset   = 0x58
	dexMagicVersionStart = 4
)

// dexMethodCount returns method_ids_size from the dex header, or 0 when the
// entry is not a readable dex file.
func dexMethodCount(f *zip.File) uint32 {
	rc, err := f.Open()
	if err != nil {
		return 0
	}
	defer rc.Close()
	hdr := make([]byte, dexHeaderSize)
	if _, err := io.ReadFull(rc, hdr); err != nil {
		return 0
	}
	return parseDexHeader(hdr)
}

func parseDexHeader(hdr []byte) uint32 {
	if len(hdr) < dexHeaderSize || string(hdr[:dexMagicVersionStart]) != "dex\n" || hdr[7] != 0 {
		return 0
	}
	for _, c := range hdr[dexMagicVersionStart:7] {
		if c < '0' || c > '9' {
			return 0
		}
	}
	if binary.LittleEndian.Uint32(hdr[dexHeaderSizeOffset:]) != dexHeaderSize {
		return 0
	}
	return binary.LittleEndian.Uint32(hdr[dexMethodIdsOffset:])
}
