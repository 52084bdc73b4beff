package main

import (
	"bytes"
	"testing"
)

func TestNextKey(t *testing.T) {
	got := nextKey([]byte{0x00, 0x00, 0x01})
	want := []byte{0x00, 0x00, 0x02}
	if !bytes.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestNextKeyCarries(t *testing.T) {
	got := nextKey([]byte{0x00, 0xff, 0xff})
	want := []byte{0x01, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestNextKeyAllOnes(t *testing.T) {
	got := nextKey([]byte{0xff, 0xff})
	want := []byte{0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestVwap(t *testing.T) {
	if got := vwap(0, 0); got != "n/a" {
		t.Errorf("expected n/a for zero volume, got %q", got)
	}
	if got := vwap(500, 100); got != "5.000000" {
		t.Errorf("expected 5.000000, got %q", got)
	}
}
