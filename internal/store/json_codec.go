package store

import "encoding/json"

func encodeLinks(links []Link) []byte {
	if links == nil {
		links = []Link{}
	}
	b, _ := json.Marshal(links)
	return b
}

func decodeLinks(b []byte) []Link {
	if len(b) == 0 {
		return nil
	}
	var links []Link
	_ = json.Unmarshal(b, &links)
	return links
}

func decodeStrings(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var out []string
	_ = json.Unmarshal(b, &out)
	return out
}
