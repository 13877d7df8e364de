package wechat

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoImage means the content carries no <img> element.
	ErrNoImage = errors.New("wechat: no image metadata in message")
	// ErrNoAppMsg means the content carries no <appmsg> element.
	ErrNoAppMsg = errors.New("wechat: no appmsg in message")
)

// App message types of interest.
const (
	AppTypeFile = 6
)

// ImageInfo is the metadata embedded in an image message.
type ImageInfo struct {
	AESKey    string
	CDNMidURL string
	Length    int64
	HDLength  int64
	MD5       string
}

// TotalLen returns the size to request: the HD length when present.
func (i ImageInfo) TotalLen() int64 {
	if i.HDLength > 0 {
		return i.HDLength
	}
	return i.Length
}

// AppMsg is the metadata of an app (type 49) message.
type AppMsg struct {
	Title    string
	Type     int
	AttachID string
	TotalLen int64
	CDNURL   string
	FileExt  string
	AESKey   string
}

// IsFile reports whether the app message is a file transfer.
func (a AppMsg) IsFile() bool {
	return a.Type == AppTypeFile
}

type xmlImage struct {
	XMLName xml.Name `xml:"msg"`
	Img     *struct {
		AESKey    string `xml:"aeskey,attr"`
		CDNMidURL string `xml:"cdnmidimgurl,attr"`
		Length    int64  `xml:"length,attr"`
		HDLength  int64  `xml:"hdlength,attr"`
		MD5       string `xml:"md5,attr"`
	} `xml:"img"`
}

type xmlApp struct {
	XMLName xml.Name `xml:"msg"`
	AppMsg  *struct {
		Title     string `xml:"title"`
		Type      int    `xml:"type"`
		AppAttach struct {
			TotalLen     int64  `xml:"totallen"`
			AttachID     string `xml:"attachid"`
			CDNAttachURL string `xml:"cdnattachurl"`
			FileExt      string `xml:"fileext"`
			AESKey       string `xml:"aeskey"`
		} `xml:"appattach"`
	} `xml:"appmsg"`
}

// ParseImageInfo extracts image metadata from a type 3 message body.
func ParseImageInfo(content string) (ImageInfo, error) {
	var doc xmlImage
	if err := xml.Unmarshal([]byte(stripSenderPrefix(content)), &doc); err != nil {
		return ImageInfo{}, fmt.Errorf("wechat: parse image xml: %w", err)
	}
	if doc.Img == nil {
		return ImageInfo{}, ErrNoImage
	}
	return ImageInfo{
		AESKey:    doc.Img.AESKey,
		CDNMidURL: doc.Img.CDNMidURL,
		Length:    doc.Img.Length,
		HDLength:  doc.Img.HDLength,
		MD5:       doc.Img.MD5,
	}, nil
}

// ParseAppMsg extracts app message metadata from a type 49 message body.
func ParseAppMsg(content string) (AppMsg, error) {
	var doc xmlApp
	if err := xml.Unmarshal([]byte(stripSenderPrefix(content)), &doc); err != nil {
		return AppMsg{}, fmt.Errorf("wechat: parse appmsg xml: %w", err)
	}
	if doc.AppMsg == nil {
		return AppMsg{}, ErrNoAppMsg
	}
	a := doc.AppMsg
	return AppMsg{
		Title:    strings.TrimSpace(a.Title),
		Type:     a.Type,
		AttachID: strings.TrimSpace(a.AppAttach.AttachID),
		TotalLen: a.AppAttach.TotalLen,
		CDNURL:   strings.TrimSpace(a.AppAttach.CDNAttachURL),
		FileExt:  strings.TrimSpace(a.AppAttach.FileExt),
		AESKey:   strings.TrimSpace(a.AppAttach.AESKey),
	}, nil
}

// stripSenderPrefix removes the "wxid_xxx:\n" prefix chatroom messages carry
// in front of their XML.
func stripSenderPrefix(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "<") {
		return content
	}
	if i := strings.Index(content, ":\n"); i > 0 && !strings.ContainsAny(content[:i], " <>") {
		return strings.TrimSpace(content[i+2:])
	}
	return content
}

type xmlAppOut struct {
	XMLName xml.Name `xml:"appmsg"`
	AppID   string   `xml:"appid,attr"`
	SDKVer  string   `xml:"sdkver,attr"`
	Title   string   `xml:"title"`
	Type    int      `xml:"type"`
	Action  string   `xml:"action"`
	Attach  struct {
		TotalLen int64  `xml:"totallen"`
		FileExt  string `xml:"fileext"`
	} `xml:"appattach"`
}

// buildFileAppMsg renders the appmsg XML used by the app-message send path.
func buildFileAppMsg(name string, size int64, ext string) (string, error) {
	out := xmlAppOut{Title: name, Type: AppTypeFile, Action: "view"}
	out.Attach.TotalLen = size
	out.Attach.FileExt = ext
	raw, err := xml.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("wechat: build appmsg: %w", err)
	}
	return string(raw), nil
}
