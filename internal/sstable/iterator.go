package sstable

// ForEach calls fn for every key stored in the table, chunk by chunk in
// ascending key width, and by ascending key within a chunk. Iteration stops
// at the first error returned by fn.
func (s *SSTable) ForEach(fn func(key string, res ReadResult) error) error {
	end := int64(s.data.Len())
	pos := int64(s.header.keyFooterStart)
	for pos+chunkHeaderSize <= end {
		header, err := s.readChunkHeader(pos)
		if err != nil {
			return err
		}

		chunkStart := pos + chunkHeaderSize
		for i := int64(0); i < header.numKeys(); i++ {
			key, offset, err := s.readKeyOffsetPair(chunkStart+i*header.pairLength(), header.fixedKeySize)
			if err != nil {
				return err
			}
			res, err := s.readValue(offset)
			if err != nil {
				return err
			}
			if err := fn(key, res); err != nil {
				return err
			}
		}

		pos = chunkStart + int64(header.length)
	}
	return nil
}

// NumEntries counts the keys, tombstones included, stored in the table.
func (s *SSTable) NumEntries() (int64, error) {
	end := int64(s.data.Len())
	pos := int64(s.header.keyFooterStart)
	total := int64(0)
	for pos+chunkHeaderSize <= end {
		header, err := s.readChunkHeader(pos)
		if err != nil {
			return 0, err
		}
		total += header.numKeys()
		pos += chunkHeaderSize + int64(header.length)
	}
	return total, nil
}
