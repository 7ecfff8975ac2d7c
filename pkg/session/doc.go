// Package session persists conversation state for agent loops that may be
// restarted at any point and that share a working directory with other
// processes.
//
// Each session is a directory under the store root:
//
//	<root>/<id>/meta.json        session metadata, replaced atomically
//	<root>/<id>/messages.jsonl   append-only message log, one JSON object per line
//	<root>/<id>/checkpoints.jsonl  immutable checkpoint records
//	<root>/<id>/.lock            advisory lock guarding every write
//
// Cross-process safety rests on two rules: every append happens under an OS
// advisory lock held for the duration of the write, and metadata is only
// ever replaced by writing a temporary file and renaming it over the old
// one. No in-memory state is ever treated as authoritative across
// processes.
package session
