package main

// ============================================================================
// Station Registry
// ============================================================================

// Station is a live stream selectable from the queue message's menu.
// Stations pre-empt the queue head instead of appending.
type Station struct {
	Name        string
	StreamURL   string
	HomepageURL string
}

var Stations = []Station{
	{"RadioParadise", "https://stream.radioparadise.com/aac-128", "https://radioparadise.com"},
	{"I♡Music", "https://streams.ilovemusic.de/iloveradio8.mp3", "https://ilovemusic.de"},
	{"ElectroSwing", "https://streamer.radio.co/s2c3cc784b/listen", "https://www.electroswing-radio.com"},
	{"SoulRadio", "http://listen.soulradio.com/SOULRADIO.mp3", "https://www.soulradio.nl"},
	{"Rádio Rock", "http://playerservices.streamtheworld.com/api/livestream-redirect/RADIO_89FM_ADP.aac", "https://www.radiorock.com.br"},
	{"The Loop", "https://playerservices.streamtheworld.com/api/livestream-redirect/WLUPFMAAC.aac", "https://www.wlup.com/the-loop-lives-on/"},
	{"Sirius Satellite", "http://sirius.shoutca.st:8168/stream", "https://www.siriusxm.com"},
	{"Kiss FM 105.9", "https://ice23.securenetsystems.net/KKSWFM", "https://1059kissfm.com"},
	{"Kiss FM 108", "https://stream.revma.ihrhls.com/zc1097", "https://kiss108.iheart.com"},
	{"Mix FM", "https://playerservices.streamtheworld.com/api/livestream-redirect/MIXFM_SAOPAULO.mp3", "https://radiomixfm.com.br"},
	{"Nova Brasil", "http://187.17.175.143:3259/stream", "https://novabrasilfm.com.br"},
	{"Gazeta FM", "https://shout25.crossradio.com.br:18156/1;", "https://gazetafm.com.br"},
	{"Nativa FM", "https://sonicpanel.oficialserver.com:7041/;", "http://www.radionativafm.com.br"},
}

func StationByStreamURL(url string) (Station, bool) {
	for _, st := range Stations {
		if st.StreamURL == url {
			return st, true
		}
	}
	return Station{}, false
}

// StationTrack wraps a station as a queue head entry.
func StationTrack(st Station) *Track {
	return &Track{
		Title:         st.Name,
		SourceURL:     st.StreamURL,
		DurationLabel: "24/7",
		ThumbnailURL:  RadioImage,
		IsLiveStation: true,
		StationName:   st.Name,
		StationHome:   st.HomepageURL,
	}
}
