// Copyright 2025 James Ross
package kv

import "testing"

func TestPoolAllocReleaseRoundTrips(t *testing.T) {
	p := NewPool(4, 16)
	if p.Free() != 4 {
		t.Fatalf("expected 4 free pages, got %d", p.Free())
	}
	id, err := p.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if p.Free() != 3 {
		t.Fatalf("expected 3 free pages after alloc, got %d", p.Free())
	}
	p.Release(id)
	if p.Free() != 4 {
		t.Fatalf("expected 4 free pages after release, got %d", p.Free())
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(1, 16)
	if _, err := p.Alloc(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Alloc(); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestTableReserveAllocatesCeilPages(t *testing.T) {
	p := NewPool(8, 16)
	tbl := NewTable(p)
	if err := tbl.Reserve(17); err != nil { // ceil(17/16) = 2 pages
		t.Fatal(err)
	}
	if len(tbl.Pages()) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(tbl.Pages()))
	}
	if p.Free() != 6 {
		t.Fatalf("expected 6 free pages remaining, got %d", p.Free())
	}
}

func TestTableAdvanceAllocatesOnPageBoundary(t *testing.T) {
	p := NewPool(8, 4)
	tbl := NewTable(p)
	if err := tbl.Reserve(4); err != nil { // exactly fills one page
		t.Fatal(err)
	}
	if len(tbl.Pages()) != 1 {
		t.Fatalf("expected 1 page, got %d", len(tbl.Pages()))
	}
	if err := tbl.Advance(); err != nil { // crosses boundary, needs a new page
		t.Fatal(err)
	}
	if len(tbl.Pages()) != 2 {
		t.Fatalf("expected 2 pages after advancing past boundary, got %d", len(tbl.Pages()))
	}
}

func TestTableReleaseReturnsAllPages(t *testing.T) {
	p := NewPool(4, 16)
	tbl := NewTable(p)
	if err := tbl.Reserve(40); err != nil { // 3 pages
		t.Fatal(err)
	}
	if p.Free() != 1 {
		t.Fatalf("expected 1 free page, got %d", p.Free())
	}
	tbl.Release()
	if p.Free() != 4 {
		t.Fatalf("expected all pages returned, got %d free", p.Free())
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected table length reset to 0, got %d", tbl.Len())
	}
}

func TestTableReserveFailurePartialRollback(t *testing.T) {
	p := NewPool(2, 16)
	tbl := NewTable(p)
	if err := tbl.Reserve(48); err != ErrPoolExhausted { // needs 3 pages, only 2 exist
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if p.Free() != 2 {
		t.Fatalf("expected rollback to leave all pages free, got %d", p.Free())
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected table unchanged on failed reserve, got len %d", tbl.Len())
	}
}
