// Package indexfile parses the ASCII index.coldshot sidecar back into
// id→metadata tables: file paths, function metadata, and the reverse
// (module, name) → id lookup the reporting layers key on.
package indexfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mcfletch/coldshot/ident"
	"github.com/mcfletch/coldshot/internal/cserr"
	"github.com/mcfletch/coldshot/wire"
)

// FuncInfo is one function's metadata as recorded in the index.
type FuncInfo struct {
	ID           ident.FuncId
	File         ident.FileId
	DeclaredLine int
	Module       string
	Name         string
}

// FuncKey is the reverse-lookup key for FunctionNames: (module, name).
type FuncKey struct {
	Module string
	Name   string
}

// Index is the parsed contents of an index.coldshot file: the
// id→metadata tables plus the endianness witness needed to open the
// calls/lines event files.
type Index struct {
	Version int

	// Order/Swapped describe the byte order calls/lines were written in,
	// derived from the prefix line's witness.
	Order   binary.ByteOrder
	Swapped bool

	Files     map[ident.FileId]string
	FileIDs   map[string]ident.FileId
	Functions map[ident.FuncId]FuncInfo

	// FunctionNames is the reverse index from (module, name) to FuncId.
	// Last writer wins on collision.
	FunctionNames map[FuncKey]ident.FuncId
}

const magic = "COLDSHOTBinary"

// Parse reads and validates the index file at path: verify magic and
// version, read the witness, %-unescape fields, build the tables.
func Parse(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cserr.IoError(err, "open index file")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	idx := &Index{
		Files:         make(map[ident.FileId]string),
		FileIDs:       make(map[string]ident.FileId),
		Functions:     make(map[ident.FuncId]FuncInfo),
		FunctionNames: make(map[FuncKey]ident.FuncId),
	}

	prefix, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, cserr.IoError(err, "read index prefix")
	}
	if err := idx.parsePrefix(prefix); err != nil {
		return nil, err
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, cserr.IoError(err, "read index record")
		}
		trimmed := strings.TrimRight(line, "\n")
		if trimmed != "" {
			if perr := idx.parseRecord(trimmed); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			break
		}
	}
	return idx, nil
}

// parsePrefix parses "P COLDSHOTBinary v<ver> <8-byte-witness>\n".
func (idx *Index) parsePrefix(line string) error {
	const head = "P " + magic + " v"
	if !strings.HasPrefix(line, head) {
		return cserr.MalformedLog(fmt.Sprintf("index prefix missing magic %q: %q", magic, line))
	}
	rest := line[len(head):]
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return cserr.MalformedLog("index prefix missing version/witness separator")
	}
	version, err := strconv.Atoi(rest[:sp])
	if err != nil {
		return cserr.MalformedLog(fmt.Sprintf("index prefix has non-numeric version: %q", rest[:sp]))
	}
	witnessAndNL := rest[sp+1:]
	witnessAndNL = strings.TrimSuffix(witnessAndNL, "\n")
	if len(witnessAndNL) != 8 {
		return cserr.MalformedLog(fmt.Sprintf("index prefix witness has length %d, want 8", len(witnessAndNL)))
	}
	var witness [8]byte
	copy(witness[:], witnessAndNL)
	order, swapped := wire.DetectByteOrder(witness)

	idx.Version = version
	idx.Order = order
	idx.Swapped = swapped
	return nil
}

// parseRecord parses one "F ..." or "f ..." line.
func (idx *Index) parseRecord(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "F":
		if len(fields) < 3 {
			return cserr.MalformedLog(fmt.Sprintf("malformed file index record: %q", line))
		}
		id, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return cserr.MalformedLog(fmt.Sprintf("malformed file id: %q", fields[1]))
		}
		path := wire.UnescapeIndexField(fields[2])
		fileID := ident.FileId(id)
		idx.Files[fileID] = path
		idx.FileIDs[path] = fileID
	case "f":
		if len(fields) < 6 {
			return cserr.MalformedLog(fmt.Sprintf("malformed func index record: %q", line))
		}
		id, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return cserr.MalformedLog(fmt.Sprintf("malformed func id: %q", fields[1]))
		}
		fileID, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return cserr.MalformedLog(fmt.Sprintf("malformed func file id: %q", fields[2]))
		}
		declaredLine, err := strconv.Atoi(fields[3])
		if err != nil {
			return cserr.MalformedLog(fmt.Sprintf("malformed func declared line: %q", fields[3]))
		}
		module := wire.UnescapeIndexField(fields[4])
		name := wire.UnescapeIndexField(fields[5])
		info := FuncInfo{
			ID:           ident.FuncId(id),
			File:         ident.FileId(fileID),
			DeclaredLine: declaredLine,
			Module:       module,
			Name:         name,
		}
		idx.Functions[info.ID] = info
		idx.FunctionNames[FuncKey{Module: module, Name: name}] = info.ID
	default:
		return cserr.MalformedLog(fmt.Sprintf("unknown index record kind %q", fields[0]))
	}
	return nil
}
