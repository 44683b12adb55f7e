// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import "fmt"

type ModePage struct {
	PageCode    uint8
	SubPageCode uint8
	Data        []byte
}

const (
	allModePages        = byte(0x3f)
	allSubPages         = byte(0xff)
	changeableValues    = byte(1)
	subPageFormatFlag   = byte(0x40)
	pageHeaderLength    = 2
	subPageHeaderLength = 4
)

// encode writes the page header and parameters. No parameter is
// changeable, so the changeable mask is all zeroes and current, default
// and saved values are the same.
func (modePage ModePage) encode(pageControl byte) []byte {
	var data []byte
	if modePage.SubPageCode == 0 {
		data = make([]byte, pageHeaderLength, pageHeaderLength+len(modePage.Data))
		data[0] = modePage.PageCode
		data[1] = byte(len(modePage.Data))
	} else {
		data = make([]byte, subPageHeaderLength, subPageHeaderLength+len(modePage.Data))
		data[0] = modePage.PageCode | subPageFormatFlag
		data[1] = modePage.SubPageCode
		data[2] = byte(len(modePage.Data) >> 8)
		data[3] = byte(len(modePage.Data))
	}
	if pageControl == changeableValues {
		return append(data, make([]byte, len(modePage.Data))...)
	}
	data = append(data, modePage.Data...)
	return data
}

type ModePages []ModePage

func (modePages ModePages) findPage(pageCode, subPageCode uint8) *ModePage {
	for index := range modePages {
		if modePages[index].PageCode == pageCode && modePages[index].SubPageCode == subPageCode {
			return &modePages[index]
		}
	}
	return nil
}

func (modePages ModePages) toBytes(pageCode, subPageCode, pageControl uint8) ([]byte, error) {
	if pageCode != allModePages {
		page := modePages.findPage(pageCode, subPageCode)
		if page == nil {
			return nil, fmt.Errorf("mode page 0x%x/0x%x not found", pageCode, subPageCode)
		}
		return page.encode(pageControl), nil
	}
	var data []byte
	switch subPageCode {
	case 0x00:
		for _, page := range modePages {
			if page.SubPageCode == 0 {
				data = append(data, page.encode(pageControl)...)
			}
		}
	case allSubPages:
		for _, page := range modePages {
			data = append(data, page.encode(pageControl)...)
		}
	default:
		return nil, fmt.Errorf("subpage 0x%x is not valid with all pages", subPageCode)
	}
	return data, nil
}
