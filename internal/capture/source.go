package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrTimeout is returned by live sources when a read times out with no
// packet; the monitor keeps reading
var ErrTimeout = errors.New("capture read timeout")

// Source yields raw frames. *pcap.Handle, pcapgo readers and FileSource
// satisfy it.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// FileSource reads a pcap or pcapng capture file
type FileSource struct {
	f      *os.File
	reader interface {
		ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	}
	link layers.LinkType
}

// OpenFile opens path, detecting pcap or pcapng format
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}

	if r, err := pcapgo.NewReader(bufio.NewReader(f)); err == nil {
		return &FileSource{f: f, reader: r, link: r.LinkType()}, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rewind capture file: %w", err)
	}
	ng, err := pcapgo.NewNgReader(bufio.NewReader(f), pcapgo.DefaultNgReaderOptions)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s is neither pcap nor pcapng: %w", path, err)
	}
	return &FileSource{f: f, reader: ng, link: ng.LinkType()}, nil
}

// ReadPacketData implements Source
func (s *FileSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.reader.ReadPacketData()
}

// LinkType implements Source
func (s *FileSource) LinkType() layers.LinkType {
	return s.link
}

// Close closes the file
func (s *FileSource) Close() error {
	return s.f.Close()
}
