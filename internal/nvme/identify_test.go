package nvme

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseIdentifyController(t *testing.T) {
	b := make([]byte, IdentifySize)
	binary.LittleEndian.PutUint16(b[0:], 0x144d)
	binary.LittleEndian.PutUint16(b[2:], 0x144d)
	copy(b[4:24], "S4EWNX0R123456      ")
	copy(b[24:64], "Samsung SSD 970 EVO Plus 1TB            ")
	copy(b[64:72], "2B2QEXM7")
	b[77] = 9
	binary.LittleEndian.PutUint16(b[78:], 4)
	binary.LittleEndian.PutUint32(b[80:], 0x00010300)
	binary.LittleEndian.PutUint32(b[516:], 1)

	got, err := parseIdentifyController(b)
	if err != nil {
		t.Fatalf("parseIdentifyController: %v", err)
	}
	want := ControllerIdentity{
		VendorID:          0x144d,
		SubsystemVendorID: 0x144d,
		Serial:            "S4EWNX0R123456",
		Model:             "Samsung SSD 970 EVO Plus 1TB",
		Firmware:          "2B2QEXM7",
		MDTS:              9,
		ControllerID:      4,
		Version:           0x00010300,
		Namespaces:        1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("identity (-want +got):\n%s", diff)
	}
	if got.Version.String() != "1.3.0" {
		t.Fatalf("version = %s", got.Version)
	}

	if _, err := parseIdentifyController(b[:100]); err == nil {
		t.Fatalf("short buffer accepted")
	}
}

func TestParseIdentifyNamespace(t *testing.T) {
	b := make([]byte, IdentifySize)
	binary.LittleEndian.PutUint64(b[0:], 1953525168)
	binary.LittleEndian.PutUint64(b[8:], 1953525168)
	b[25] = 1    // two formats
	b[26] = 0x11 // metadata bit plus format 1
	b[128+2] = 9
	binary.LittleEndian.PutUint16(b[132:], 8)
	b[132+2] = 12
	b[132+3] = 1

	raw, err := parseIdentifyNamespace(b)
	if err != nil {
		t.Fatalf("parseIdentifyNamespace: %v", err)
	}
	if raw.NSZE != 1953525168 || raw.NLBAF != 1 || raw.formatIndex() != 1 {
		t.Fatalf("namespace = nsze %d nlbaf %d index %d", raw.NSZE, raw.NLBAF, raw.formatIndex())
	}
	want := []LBAFormat{{DataSizeLog: 9}, {MetadataSize: 8, DataSizeLog: 12, RelativePerf: 1}}
	if diff := cmp.Diff(want, raw.LBAF[:2]); diff != "" {
		t.Fatalf("formats (-want +got):\n%s", diff)
	}
}

func TestParseNamespaceList(t *testing.T) {
	b := make([]byte, IdentifySize)
	for i, id := range []uint32{1, 2, 7} {
		binary.LittleEndian.PutUint32(b[i*4:], id)
	}
	binary.LittleEndian.PutUint32(b[20:], 9)
	if diff := cmp.Diff([]uint32{1, 2, 7}, parseNamespaceList(b)); diff != "" {
		t.Fatalf("list (-want +got):\n%s", diff)
	}
	if got := parseNamespaceList(make([]byte, IdentifySize)); got != nil {
		t.Fatalf("empty list = %v", got)
	}
}
