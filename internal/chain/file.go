package chain

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/errkind"
)

// ReasonDecodeError marks a line that could not be decoded into an Entry at
// all. Verification treats this as a break rather than silently skipping
// it — the tolerance granted to Search (spec section 4.1) must never mask
// a chain problem (spec section 4.1, final sentence).
const ReasonDecodeError BreakReason = "decode_error"

// openMaybeGzip opens path for reading, transparently decompressing it if
// the name ends in .gz (spec section 4.4: "Verification transparently
// decompresses").
func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return struct {
			io.Reader
			io.Closer
		}{gz, multiCloser{gz, f}}, nil
	}
	return f, nil
}

type multiCloser struct {
	a io.Closer
	b io.Closer
}

func (m multiCloser) Close() error {
	err1 := m.a.Close()
	err2 := m.b.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// DecodeFile reads every newline-terminated line of path and decodes it. A
// trailing line with no terminating newline is discarded (readers "tolerate
// partial last lines," spec section 4.3), since a concurrent writer may
// still be appending it. It is exported so that writer can restore its
// chain tail without duplicating the scan logic.
func DecodeFile(path string) ([]entrymodel.Entry, []Break, error) {
	return decodeFile(path)
}

func decodeFile(path string) ([]entrymodel.Entry, []Break, error) {
	rc, err := openMaybeGzip(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errkind.New(errkind.Io, "chain.decodeFile", fmt.Errorf("file not found: %s: %w", path, err))
		}
		return nil, nil, errkind.New(errkind.Io, "chain.decodeFile", err)
	}
	defer rc.Close()

	var entries []entrymodel.Entry
	var breaks []Break

	scanner := bufio.NewScanner(rc)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
		}
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	})

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := entrymodel.Decode(line, lineNo)
		if err != nil {
			breaks = append(breaks, Break{LineNo: lineNo, Reason: ReasonDecodeError})
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errkind.New(errkind.Io, "chain.decodeFile", err)
	}

	return entries, breaks, nil
}

// VerifyFile implements verify_file(F) from spec section 4.2: it decodes
// every entry in path and checks checksums and previous_hash linkage
// in isolation (the first entry is expected to be a chain genesis, i.e. an
// empty previous_hash).
func VerifyFile(path string) (Result, error) {
	entries, decodeBreaks, err := decodeFile(path)
	if err != nil {
		return Result{}, err
	}

	res := VerifyEntries(entries, true, "")
	if len(decodeBreaks) > 0 {
		res.Verified = false
		res.Breaks = append(decodeBreaks, res.Breaks...)
	}
	return res, nil
}

// VerifyAll implements verify_all() from spec section 4.2: files, already
// ordered per spec section 3.2 (daily/* sorted by filename, then
// audit.log), are each decoded, and in addition to each file's own
// breaks, the first entry of file k+1 must link to the last entry of file
// k.
func VerifyAll(orderedPaths []string) (Result, error) {
	overall := Result{Verified: true}
	var lastChecksumOfPrevFile string
	haveLastChecksum := false

	for _, path := range orderedPaths {
		entries, decodeBreaks, err := decodeFile(path)
		if err != nil {
			// A file that cannot be opened is a fatal error, not a break
			// (spec section 4.2 edge case).
			return Result{}, err
		}

		expectGenesis := !haveLastChecksum
		fileRes := VerifyEntries(entries, expectGenesis, lastChecksumOfPrevFile)
		if len(decodeBreaks) > 0 {
			fileRes.Verified = false
			fileRes.Breaks = append(decodeBreaks, fileRes.Breaks...)
		}

		if !fileRes.Verified {
			overall.Verified = false
		}
		overall.Breaks = append(overall.Breaks, fileRes.Breaks...)

		if len(entries) > 0 {
			lastChecksumOfPrevFile = entries[len(entries)-1].Checksum
			haveLastChecksum = true
		}
	}

	return overall, nil
}
