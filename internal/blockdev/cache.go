package blockdev

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tinyrange/nvme/internal/dma"
)

// Cache is a write-through LRU block cache in front of a Device. A read is
// served from the cache only when every block it covers is resident.
type Cache struct {
	mu     sync.Mutex
	dev    Device
	bs     int
	blocks *lru.Cache[uint64, []byte]

	hits, misses uint64
}

// NewCache caches up to size blocks of dev.
func NewCache(dev Device, size int) (*Cache, error) {
	c, err := dev.Capacity()
	if err != nil {
		return nil, err
	}
	blocks, err := lru.New[uint64, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Cache{dev: dev, bs: int(c.BlockSize), blocks: blocks}, nil
}

func (c *Cache) ReadBlocks(ctx context.Context, lba uint64, count uint32, buf *dma.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resident(lba, count) {
		out := buf.Bytes()
		for i := range uint64(count) {
			block, _ := c.blocks.Get(lba + i)
			copy(out[int(i)*c.bs:], block)
		}
		c.hits++
		return nil
	}
	c.misses++
	if err := c.dev.ReadBlocks(ctx, lba, count, buf); err != nil {
		return err
	}
	c.fill(lba, count, buf)
	return nil
}

func (c *Cache) WriteBlocks(ctx context.Context, lba uint64, count uint32, buf *dma.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dev.WriteBlocks(ctx, lba, count, buf); err != nil {
		for i := range uint64(count) {
			c.blocks.Remove(lba + i)
		}
		return err
	}
	c.fill(lba, count, buf)
	return nil
}

func (c *Cache) resident(lba uint64, count uint32) bool {
	for i := range uint64(count) {
		if !c.blocks.Contains(lba + i) {
			return false
		}
	}
	return true
}

func (c *Cache) fill(lba uint64, count uint32, buf *dma.Buffer) {
	data := buf.Bytes()
	for i := range int(count) {
		block := make([]byte, c.bs)
		copy(block, data[i*c.bs:])
		c.blocks.Add(lba+uint64(i), block)
	}
}

func (c *Cache) Capacity() (Capacity, error) { return c.dev.Capacity() }

// Stats reports how many reads were served from the cache and how many went
// to the device.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Close drops every cached block and closes the underlying device.
func (c *Cache) Close(reason error) error {
	c.mu.Lock()
	c.blocks.Purge()
	c.mu.Unlock()
	return c.dev.Close(reason)
}

var _ Device = (*Cache)(nil)
