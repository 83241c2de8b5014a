package startconf

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConf = `[LINBO] # top-level settings
Server = 10.0.0.1
Cache = /dev/sda4
Group = default
AutoPartition = yes
AutoFormat = no
DownloadType = rsync # preferred transport
BootTimeout = 30

[Partition]
Dev = /dev/sda1
Label = swap
Size = 2G
Id = swap
FSType = swap
Bootable = no

[Partition]
Dev = /dev/sda2
Label = win10
Size = 40G
Id = win10
FSType = ntfs
Bootable = yes

[OS]
Name = win10
Description = Windows 10 # student image
Version = 1
BaseImage = win10.rsync
Boot = /dev/sda2
StartEnabled = yes
SyncEnabled = true
Autostart = 1
AutostartTimeout = 10
Hidden = no
`

func writeConf(t *testing.T, dir, id, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "start.conf."+id), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestAdapter_Load(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "win10", sampleConf)
	writeConf(t, dir, "ignored.txt", "not a start conf")

	a := New(dir)
	if !a.Load() {
		t.Fatal("Load failed")
	}

	rec, ok := a.Get("win10")
	if !ok {
		t.Fatal("expected win10 record")
	}
	if rec.Parsed.Linbo.Server != "10.0.0.1" {
		t.Errorf("expected server=10.0.0.1, got %q", rec.Parsed.Linbo.Server)
	}
	if rec.Parsed.Linbo.DownloadType != "rsync" {
		t.Errorf("expected inline comment stripped, got %q", rec.Parsed.Linbo.DownloadType)
	}
	if rec.Parsed.Linbo.BootTimeout != 30 {
		t.Errorf("expected boottimeout=30, got %d", rec.Parsed.Linbo.BootTimeout)
	}
	if len(rec.Parsed.Partitions) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(rec.Parsed.Partitions))
	}
	if rec.Parsed.Partitions[1].Bootable != true {
		t.Error("expected second partition bootable=true")
	}
	if len(rec.Parsed.OSEntries) != 1 {
		t.Fatalf("expected 1 os entry, got %d", len(rec.Parsed.OSEntries))
	}
	if rec.Parsed.OSEntries[0].Description != "Windows 10" {
		t.Errorf("expected inline comment stripped from os description, got %q", rec.Parsed.OSEntries[0].Description)
	}
	if rec.Parsed.Grub.Timeout != 30 {
		t.Errorf("expected grub timeout derived from boottimeout, got %d", rec.Parsed.Grub.Timeout)
	}
	if rec.SHA256 == "" {
		t.Error("expected non-empty sha256")
	}
	if string(rec.Raw) != sampleConf {
		t.Error("raw bytes must round-trip unchanged")
	}
}

func TestAdapter_Load_EmptyDirReturnsTrue(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)
	if !a.Load() {
		t.Error("expected Load to return true for an empty directory")
	}
	if len(a.AllIDs()) != 0 {
		t.Error("expected no records")
	}
}

func TestAdapter_Load_MissingDirReturnsFalse(t *testing.T) {
	a := New(filepath.Join(t.TempDir(), "nonexistent"))
	if a.Load() {
		t.Error("expected Load to fail for missing directory")
	}
}

func TestAdapter_LoadSingle(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "win10", sampleConf)
	a := New(dir)
	if !a.Load() {
		t.Fatal("Load failed")
	}

	writeConf(t, dir, "win11", "[LINBO]\nServer = 10.0.0.2\n")
	if !a.LoadSingle("win11") {
		t.Fatal("LoadSingle failed")
	}
	rec, ok := a.Get("win11")
	if !ok {
		t.Fatal("expected win11 record after LoadSingle")
	}
	if rec.Parsed.Linbo.Server != "10.0.0.2" {
		t.Errorf("unexpected server: %q", rec.Parsed.Linbo.Server)
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"yes": true, "Yes": true, "YES": true,
		"true": true, "1": true,
		"no": false, "0": false, "": false, "garbage": false,
	}
	for in, want := range cases {
		if got := parseBool(in); got != want {
			t.Errorf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestStripInlineComment(t *testing.T) {
	cases := map[string]string{
		"value # trailing comment": "value",
		"value":                    "value",
		"value#nospace":            "value#nospace",
		"  value  # c":             "value",
	}
	for in, want := range cases {
		if got := stripInlineComment(in); got != want {
			t.Errorf("stripInlineComment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGetAll(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "win10", sampleConf)
	a := New(dir)
	if !a.Load() {
		t.Fatal("Load failed")
	}
	recs, allFound := a.GetAll([]string{"win10", "missing"})
	if allFound {
		t.Error("expected allFound=false")
	}
	if len(recs) != 1 {
		t.Errorf("expected 1 found record, got %d", len(recs))
	}
}
