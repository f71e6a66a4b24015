//go:build cgo

// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libcrmorbit.so (Android) / crmorbit.framework (iOS)
//
// Functions returning *C.char hand ownership to the caller, who frees the
// string with FreeString. A NULL result means the call failed; GetLastError
// describes why.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"unsafe"
)

var (
	core    bridge
	lastErr string
	lastMu  sync.RWMutex
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = errorJSON(err)
}

// result converts a bridge result into a C string, recording err.
func result(out string, err error) *C.char {
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(out)
}

// status converts an error into 0 on success and -1 on failure.
func status(err error) C.int {
	setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

//export Init
// Init opens the core. configPath may be empty.
func Init(dataDir, configPath *C.char) C.int {
	return status(core.Init(C.GoString(dataDir), C.GoString(configPath)))
}

//export Cleanup
// Cleanup stops background work and closes the database.
func Cleanup() C.int {
	return status(core.Close())
}

//export GetLastError
// GetLastError returns the last error as {"code","message"} JSON, or an
// empty string.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export FreeString
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

// =====================================================
// Document
// =====================================================

//export Dispatch
// Dispatch applies {"events":[...]} and returns the document.
func Dispatch(eventsJSON *C.char) *C.char {
	return result(core.Dispatch(C.GoString(eventsJSON)))
}

//export GetDocument
func GetDocument() *C.char {
	return result(core.Document())
}

//export GetStatus
func GetStatus() *C.char {
	return result(core.Status())
}

//export Reset
// Reset deletes all local data.
func Reset() C.int {
	return status(core.Reset())
}

// =====================================================
// Backup
// =====================================================

//export BackupExport
func BackupExport(passphrase *C.char) *C.char {
	return result(core.BackupExport(C.GoString(passphrase)))
}

//export BackupImport
func BackupImport(path, passphrase, mode *C.char) *C.char {
	return result(core.BackupImport(C.GoString(path), C.GoString(passphrase), C.GoString(mode)))
}

//export BackupExportData
func BackupExportData(passphrase *C.char) *C.char {
	return result(core.BackupExportData(C.GoString(passphrase)))
}

//export BackupImportData
func BackupImportData(data, passphrase, mode *C.char) *C.char {
	return result(core.BackupImportData(C.GoString(data), C.GoString(passphrase), C.GoString(mode)))
}

//export BackupSetPassphrase
func BackupSetPassphrase(passphrase *C.char) C.int {
	return status(core.BackupSetPassphrase(C.GoString(passphrase)))
}

// =====================================================
// Sync
// =====================================================

//export SyncQRGenerate
func SyncQRGenerate(peerID *C.char, render C.int) *C.char {
	return result(core.SyncQRGenerate(C.GoString(peerID), render != 0))
}

//export SyncQRScan
func SyncQRScan(payload *C.char) *C.char {
	return result(core.SyncQRScan(C.GoString(payload)))
}

//export SyncWithPeer
func SyncWithPeer(peerJSON *C.char) *C.char {
	return result(core.SyncWithPeer(C.GoString(peerJSON)))
}

//export SyncPeers
func SyncPeers() *C.char {
	return result(core.Peers())
}
