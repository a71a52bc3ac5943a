// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import "fmt"

const (
	modePageCaching = 0x08
	modePageAll     = 0x3f
	// writeCacheEnable is the WCE bit of the caching page.
	writeCacheEnable = 0x04
)

type ModePage struct {
	PageCode    uint8
	SubPageCode uint8
	Data        []byte
}

// render emits the page header and, except for changeable values
// (page control 1, nothing here is changeable), the page body.
func (page ModePage) render(pageControl byte) []byte {
	var data []byte
	if page.SubPageCode == 0 {
		data = []byte{page.PageCode, byte(len(page.Data))}
	} else {
		data = []byte{page.PageCode | 0x40, page.SubPageCode, 0x00, byte(len(page.Data))}
	}
	if pageControl == 1 {
		return append(data, make([]byte, len(page.Data))...)
	}
	return append(data, page.Data...)
}

type ModePages []ModePage

func (pages ModePages) find(pageCode, subPageCode uint8) (ModePage, bool) {
	for _, page := range pages {
		if page.PageCode == pageCode && page.SubPageCode == subPageCode {
			return page, true
		}
	}
	return ModePage{}, false
}

func (pages ModePages) render(pageCode, subPageCode, pageControl uint8) ([]byte, error) {
	var data []byte
	if pageCode != modePageAll {
		page, ok := pages.find(pageCode, subPageCode)
		if !ok {
			return nil, fmt.Errorf("mode page 0x%02x/0x%02x not found", pageCode, subPageCode)
		}
		return page.render(pageControl), nil
	}
	switch subPageCode {
	case 0x00:
		for _, page := range pages {
			if page.SubPageCode == 0 {
				data = append(data, page.render(pageControl)...)
			}
		}
	case 0xff:
		for _, page := range pages {
			data = append(data, page.render(pageControl)...)
		}
	default:
		return nil, fmt.Errorf("all pages request with subpage 0x%02x", subPageCode)
	}
	return data, nil
}

// writeCacheEnabled reports the WCE bit; without a write cache every
// write is synchronised.
func (pages ModePages) writeCacheEnabled() bool {
	page, ok := pages.find(modePageCaching, 0)
	return ok && len(page.Data) > 0 && page.Data[0]&writeCacheEnable != 0
}

func defaultModePages() ModePages {
	return ModePages{
		// Disconnect-Reconnect
		{0x02, 0, []byte{0x80, 0x80, 0x00, 0x0a, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		// Caching
		{modePageCaching, 0, []byte{0x14, 0, 0xff, 0xff, 0, 0, 0xff, 0xff, 0xff, 0xff, 0x80, 0x14, 0, 0, 0, 0, 0, 0}},
		// Control
		{0x0a, 0, []byte{2, 0x10, 0, 0, 0, 0, 0, 0, 2, 0}},
		// Control Extensions, TCMOS
		{0x0a, 0x01, []byte{0x04, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		// Informational Exceptions Control
		{0x1c, 0, []byte{8, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
	}
}
