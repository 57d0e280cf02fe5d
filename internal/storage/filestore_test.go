// Copyright (c) 2025 Starpal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/POSE200/Starpal/internal/model"
)

// The contract tests run against both backends; backend-specific behavior
// gets its own tests below.

func openFileStore(t *testing.T) Store {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return s
}

func TestFileStoreContract(t *testing.T) {
	runStoreContract(t, openFileStore(t))
}

func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	defer s.Close()

	// Create and list.
	conv, err := s.Create("")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if conv.Title != model.DefaultTitle {
		t.Errorf("Title = %q, want %q", conv.Title, model.DefaultTitle)
	}

	convs, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != conv.ID {
		t.Fatalf("List = %+v, want the created conversation", convs)
	}

	// Empty history round-trips.
	history, err := s.Get(conv.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("new conversation has %d messages", len(history))
	}

	// Put and get.
	history = []model.Message{
		{Role: model.RoleUser, Content: "hi", Time: time.Now()},
		{Role: model.RoleAI, Content: "hello 你好", Time: time.Now()},
	}
	if err := s.Put(conv.ID, history); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get(conv.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != 2 || got[0].Content != "hi" || got[1].Content != "hello 你好" {
		t.Errorf("Get = %+v", got)
	}
	if got[0].Role != model.RoleUser || got[1].Role != model.RoleAI {
		t.Errorf("roles = %v, %v", got[0].Role, got[1].Role)
	}

	// Rename.
	if err := s.Rename(conv.ID, "greetings"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	convs, _ = s.List()
	if convs[0].Title != "greetings" {
		t.Errorf("Title after rename = %q", convs[0].Title)
	}

	// Unread marker.
	if err := s.SetUnread(conv.ID, true); err != nil {
		t.Fatalf("SetUnread failed: %v", err)
	}
	convs, _ = s.List()
	if !convs[0].Unread {
		t.Error("Unread not set")
	}
	if err := s.SetUnread(conv.ID, false); err != nil {
		t.Fatalf("SetUnread clear failed: %v", err)
	}
	convs, _ = s.List()
	if convs[0].Unread {
		t.Error("Unread not cleared")
	}

	// Search matches case-folded message content.
	found, err := s.Search("HELLO")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("Search(HELLO) = %d results, want 1", len(found))
	}
	found, _ = s.Search("no such text")
	if len(found) != 0 {
		t.Errorf("Search(miss) = %d results, want 0", len(found))
	}

	// Delete cascades to history.
	if err := s.Delete(conv.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestStoreNotFound(t *testing.T) {
	s := openFileStore(t)
	defer s.Close()

	if _, err := s.Get("conv_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	if err := s.Put("conv_missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Put = %v, want ErrNotFound", err)
	}
	if err := s.Rename("conv_missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rename = %v, want ErrNotFound", err)
	}
	if err := s.SetUnread("conv_missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetUnread = %v, want ErrNotFound", err)
	}
}

func TestListOrdersByUpdated(t *testing.T) {
	s := openFileStore(t)
	defer s.Close()

	first, _ := s.Create("first")
	second, _ := s.Create("second")

	// Touching the older conversation moves it to the front.
	time.Sleep(5 * time.Millisecond)
	if err := s.Put(first.ID, []model.Message{model.NewUserMessage("bump")}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	convs, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("List = %d conversations", len(convs))
	}
	if convs[0].ID != first.ID || convs[1].ID != second.ID {
		t.Errorf("order = [%s %s], want [%s %s]",
			convs[0].ID, convs[1].ID, first.ID, second.ID)
	}
}

func TestFileStoreSkipsCorruptedFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Create("ok"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "conv_broken.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	convs, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("List = %d conversations, want 1 (corrupt skipped)", len(convs))
	}
}
