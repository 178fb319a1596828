package descriptor

// ReportItem is one short item of a HID report descriptor: a tag plus
// its raw data bytes. Interpretation of usages and report fields is
// left to callers; the capture model only needs the item sequence.
type ReportItem struct {
	Tag  uint8 // type and tag bits of the prefix byte
	Data []byte
	Long bool
}

// ParseReportItems splits a HID report descriptor into its items.
// Short items carry 0, 1, 2 or 4 bytes of data; long items (prefix
// 0xFE) carry an explicit size. A truncated trailing item ends the
// parse without error.
func ParseReportItems(data []byte) []ReportItem {
	var items []ReportItem
	pos := 0
	for pos < len(data) {
		prefix := data[pos]
		if prefix == 0xFE {
			// Long item: size byte, tag byte, then data.
			if pos+2 >= len(data) {
				break
			}
			size := int(data[pos+1])
			tag := data[pos+2]
			if pos+3+size > len(data) {
				break
			}
			items = append(items, ReportItem{
				Tag:  tag,
				Data: append([]byte(nil), data[pos+3:pos+3+size]...),
				Long: true,
			})
			pos += 3 + size
			continue
		}
		size := int(prefix & 0x03)
		if size == 3 {
			size = 4
		}
		if pos+1+size > len(data) {
			break
		}
		items = append(items, ReportItem{
			Tag:  prefix & 0xFC,
			Data: append([]byte(nil), data[pos+1:pos+1+size]...),
		})
		pos += 1 + size
	}
	return items
}
