package tools

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/nextlevelbuilder/reswarm/internal/program"
)

// addrSchema is the shared address property description.
func addrSchema() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Target address, hex (0x401000) or decimal",
	}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// SetNameTool names the item at an address.
type SetNameTool struct {
	DB program.Database
}

func (t *SetNameTool) Name() string        { return "set_name" }
func (t *SetNameTool) Description() string { return "Rename the function or data item at an address" }
func (t *SetNameTool) InputSchema() map[string]any {
	return objectSchema([]string{"address", "name"}, map[string]any{
		"address": addrSchema(),
		"name":    map[string]any{"type": "string", "description": "New name"},
	})
}

func (t *SetNameTool) Execute(_ context.Context, args map[string]any) *Result {
	addr, err := AddrArg(args, "address")
	if err != nil {
		return ErrorResult(err.Error())
	}
	name, err := StringArg(args, "name")
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := t.DB.SetName(addr, name); err != nil {
		return ErrorResult(fmt.Sprintf("set_name failed: %v", err)).WithError(err)
	}
	return DataResult(map[string]any{"success": true, "address": FormatAddr(addr), "name": name})
}

// SetCommentTool attaches a comment to an address.
type SetCommentTool struct {
	DB program.Database
}

func (t *SetCommentTool) Name() string        { return "set_comment" }
func (t *SetCommentTool) Description() string { return "Attach a comment to an address" }
func (t *SetCommentTool) InputSchema() map[string]any {
	return objectSchema([]string{"address", "comment"}, map[string]any{
		"address": addrSchema(),
		"comment": map[string]any{"type": "string", "description": "Comment text"},
	})
}

func (t *SetCommentTool) Execute(_ context.Context, args map[string]any) *Result {
	addr, err := AddrArg(args, "address")
	if err != nil {
		return ErrorResult(err.Error())
	}
	comment, err := StringArg(args, "comment")
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := t.DB.SetComment(addr, comment); err != nil {
		return ErrorResult(fmt.Sprintf("set_comment failed: %v", err)).WithError(err)
	}
	return DataResult(map[string]any{"success": true, "address": FormatAddr(addr)})
}

// SetPrototypeTool records a function prototype.
type SetPrototypeTool struct {
	DB program.Database
}

func (t *SetPrototypeTool) Name() string { return "set_function_prototype" }
func (t *SetPrototypeTool) Description() string {
	return "Set the C prototype of the function at an address"
}
func (t *SetPrototypeTool) InputSchema() map[string]any {
	return objectSchema([]string{"address", "prototype"}, map[string]any{
		"address":   addrSchema(),
		"prototype": map[string]any{"type": "string", "description": "C function prototype"},
	})
}

func (t *SetPrototypeTool) Execute(_ context.Context, args map[string]any) *Result {
	addr, err := AddrArg(args, "address")
	if err != nil {
		return ErrorResult(err.Error())
	}
	proto, err := StringArg(args, "prototype")
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := t.DB.SetPrototype(addr, proto); err != nil {
		return ErrorResult(fmt.Sprintf("set_function_prototype failed: %v", err)).WithError(err)
	}
	return DataResult(map[string]any{"success": true, "address": FormatAddr(addr)})
}

// PatchBytesTool patches raw bytes in the database and, when a binary
// handle is present, mirrors them into the binary file.
type PatchBytesTool struct {
	DB     program.Database
	Binary program.BinaryFile // optional
}

func (t *PatchBytesTool) Name() string        { return "patch_bytes" }
func (t *PatchBytesTool) Description() string { return "Overwrite bytes at an address (hex string)" }
func (t *PatchBytesTool) InputSchema() map[string]any {
	return objectSchema([]string{"address", "bytes"}, map[string]any{
		"address": addrSchema(),
		"bytes":   map[string]any{"type": "string", "description": "Hex byte string, e.g. 9090c3"},
	})
}

func (t *PatchBytesTool) Execute(_ context.Context, args map[string]any) *Result {
	addr, err := AddrArg(args, "address")
	if err != nil {
		return ErrorResult(err.Error())
	}
	hexStr, err := StringArg(args, "bytes")
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid hex bytes: %v", err))
	}
	if len(data) == 0 {
		return ErrorResult("empty patch")
	}

	if err := t.DB.WriteBytes(addr, data); err != nil {
		return ErrorResult(fmt.Sprintf("patch_bytes failed: %v", err)).WithError(err)
	}
	if t.Binary != nil {
		if offset := t.DB.FileOffset(addr); offset != program.BADADDR {
			if err := t.Binary.WriteAt(offset, data); err != nil {
				return ErrorResult(fmt.Sprintf("patch_bytes: binary write failed: %v", err)).WithError(err)
			}
		}
	}
	return DataResult(map[string]any{
		"success": true, "address": FormatAddr(addr), "patched": len(data),
	})
}

// RegisterProgramTools registers every database-mutating tool bound to db.
func RegisterProgramTools(r *Registry, db program.Database, binary program.BinaryFile) {
	r.Register(&SetNameTool{DB: db})
	r.Register(&SetCommentTool{DB: db})
	r.Register(&SetPrototypeTool{DB: db})
	r.Register(&PatchBytesTool{DB: db, Binary: binary})
}
