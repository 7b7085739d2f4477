package wsgshare

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() Logger {
	return NewLoggerWithWriter("test", LogLevelError, ioutil.Discard)
}

func TestWhitelistLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authorized_clients")
	content := "aabbccddeeff00112233445566778899aabbccdd\n" +
		"\n" + // blank lines ignored
		"  0123456789abcdef0123456789abcdef01234567  \n" +
		"FFEEDDCCBBAA99887766554433221100FFEEDDCC\n"
	if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWhitelist(testLogger(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if w.Len() != 3 {
		t.Fatalf("Len = %d, want 3", w.Len())
	}
	if !w.Allowed("aabbccddeeff00112233445566778899aabbccdd") {
		t.Fatal("first hash should be allowed")
	}
	if !w.Allowed("0123456789abcdef0123456789abcdef01234567") {
		t.Fatal("whitespace-padded hash should be allowed")
	}
	// entries are normalized to lowercase, lookups case-insensitive
	if !w.Allowed("ffeeddccbbaa99887766554433221100ffeeddcc") {
		t.Fatal("uppercase entry should match lowercase lookup")
	}
	if w.Allowed("0000000000000000000000000000000000000000") {
		t.Fatal("absent hash should not be allowed")
	}
}

func TestWhitelistCreatedIfMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized_clients")
	w, err := NewWhitelist(testLogger(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if w.Len() != 0 {
		t.Fatalf("Len = %d, want 0", w.Len())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should have been created: %s", err)
	}
}

func TestWhitelistHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized_clients")
	w, err := NewWhitelist(testLogger(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Watch(); err != nil {
		t.Fatal(err)
	}

	hash := "aabbccddeeff00112233445566778899aabbccdd"
	if err := ioutil.WriteFile(path, []byte(hash+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !w.Allowed(hash) {
		if time.Now().After(deadline) {
			t.Fatal("snapshot was not reloaded after file change")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// removal is picked up too
	if err := ioutil.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	for w.Allowed(hash) {
		if time.Now().After(deadline) {
			t.Fatal("snapshot was not reloaded after truncation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
