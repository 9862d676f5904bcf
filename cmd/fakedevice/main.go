// fakedevice logs in as a tracker and reports a short track, printing every
// acknowledgement it gets back.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/pflag"
	"nuha.dev/gpsgate/internal/protocol/eelink"
	"nuha.dev/gpsgate/internal/protocol/gt06"
)

var (
	addr     = pflag.String("addr", "127.0.0.1:5023", "server address")
	proto    = pflag.String("protocol", "gt06", "eelink, arknav, gt06 or h02")
	network  = pflag.String("network", "tcp", "tcp, or udp for eelink")
	imei     = pflag.String("imei", "123456789012345", "device imei")
	count    = pflag.Int("count", 10, "positions to send")
	interval = pflag.Duration("interval", 5*time.Second, "delay between positions")
	lat      = pflag.Float64("lat", -6.2000, "start latitude")
	lon      = pflag.Float64("lon", 106.8166, "start longitude")
)

type device interface {
	login() []byte
	position(i int, t time.Time, lat, lon, speed, course float64) []byte
}

func main() {
	pflag.Parse()
	log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true}

	var dev device
	switch *proto {
	case "gt06":
		dev = gt06Device{imei: *imei}
	case "eelink":
		dev = eelinkDevice{imei: *imei, datagram: *network == "udp"}
	case "h02":
		dev = h02Device{imei: *imei}
	case "arknav":
		dev = arknavDevice{imei: *imei}
	default:
		log.Fatal().Str("protocol", *proto).Msg("unknown protocol")
	}

	c, err := net.Dial(*network, *addr)
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer c.Close()
	go readAcks(c)

	if frame := dev.login(); frame != nil {
		send(c, frame)
	}
	for i := 0; i < *count; i++ {
		time.Sleep(*interval)
		step := float64(i) * 0.0005
		send(c, dev.position(i+1, time.Now().UTC(), *lat+step, *lon+step, 40, 45))
	}
	time.Sleep(time.Second)
}

func send(c net.Conn, frame []byte) {
	n, err := c.Write(frame)
	if err != nil {
		log.Fatal().Err(err).Msg("write")
	}
	log.Info().Int("bytes", n).Str("frame", hex.EncodeToString(frame)).Msg("sent")
}

func readAcks(c net.Conn) {
	b := make([]byte, 1024)
	for {
		_ = c.SetReadDeadline(time.Now().Add(40 * time.Second))
		n, err := c.Read(b)
		if err != nil {
			log.Warn().Err(err).Msg("read")
			return
		}
		log.Info().Str("ack", hex.EncodeToString(b[:n])).Msg("received")
	}
}

func bcdIMEI(imei string) []byte {
	raw, err := hex.DecodeString(fmt.Sprintf("%016s", imei))
	if err != nil {
		log.Fatal().Err(err).Str("imei", imei).Msg("imei must be digits")
	}
	return raw
}

type gt06Device struct {
	imei string
}

func (d gt06Device) login() []byte {
	payload := append(bcdIMEI(d.imei), 0x36, 0x08, 0x00, 0x00)
	return gt06.NewFrame(gt06.Login, payload, 1)
}

func (d gt06Device) position(i int, t time.Time, lat, lon, speed, course float64) []byte {
	p := []byte{byte(t.Year() - 2000), byte(t.Month()), byte(t.Day()), byte(t.Hour()), byte(t.Minute()), byte(t.Second()), 0xC9}
	p = binary.BigEndian.AppendUint32(p, uint32(math.Abs(lat)*1800000))
	p = binary.BigEndian.AppendUint32(p, uint32(math.Abs(lon)*1800000))
	p = append(p, byte(speed))
	flags := uint16(course)&0x03FF | 0x1000
	if lat >= 0 {
		flags |= 0x0400
	}
	if lon < 0 {
		flags |= 0x0800
	}
	p = binary.BigEndian.AppendUint16(p, flags)
	p = append(p, 0x01, 0xCC, 0x00, 0x24, 0x95, 0x00, 0x14, 0x20) // mcc 460, lac, cell
	p = append(p, 0x01, 0x00, 0x00)                               // acc on, upload mode, realtime
	return gt06.NewFrame(gt06.GK310GPS, p, i+1)
}

type eelinkDevice struct {
	imei     string
	datagram bool
}

func (d eelinkDevice) login() []byte {
	return eelink.Encode(d.datagram, d.imei, 0x01, 1, append(bcdIMEI(d.imei), 0x01, 0x20))
}

func (d eelinkDevice) position(i int, t time.Time, lat, lon, speed, course float64) []byte {
	p := binary.BigEndian.AppendUint32(nil, uint32(t.Unix()))
	p = binary.BigEndian.AppendUint32(p, uint32(int32(lat*1800000)))
	p = binary.BigEndian.AppendUint32(p, uint32(int32(lon*1800000)))
	p = append(p, byte(speed))
	p = binary.BigEndian.AppendUint16(p, uint16(course))
	p = append(p, 0x01, 0xCC, 0x00, 0x00, 0x24, 0x95, 0x00, 0x14, 0x20) // mcc, mnc, lac, cell
	p = append(p, 0x01)                                                 // fixed
	p = binary.BigEndian.AppendUint16(p, 0x0001)
	return eelink.Encode(d.datagram, d.imei, 0x02, uint16(i+1), p)
}

type h02Device struct {
	imei string
}

func (d h02Device) login() []byte { return nil }

func (d h02Device) position(_ int, t time.Time, lat, lon, speed, course float64) []byte {
	ns, ew := "N", "E"
	if lat < 0 {
		ns = "S"
	}
	if lon < 0 {
		ew = "W"
	}
	return []byte(fmt.Sprintf("*HQ,%s,V1,%s,A,%s,%s,%s,%s,%.2f,%.0f,%s,FFFFFBFF#",
		d.imei, t.Format("150405"), nmea(math.Abs(lat), 2), ns, nmea(math.Abs(lon), 3), ew,
		speed/1.852, course, t.Format("020106")))
}

type arknavDevice struct {
	imei string
}

func (d arknavDevice) login() []byte { return nil }

func (d arknavDevice) position(_ int, t time.Time, lat, lon, speed, course float64) []byte {
	ns, ew := "N", "E"
	if lat < 0 {
		ns = "S"
	}
	if lon < 0 {
		ew = "W"
	}
	return []byte(fmt.Sprintf("%s,FAKEDV,000,PT33,A,%s,%s,%s,%s,%.1f,%.1f,1.0,%s,0000,0\r\n",
		d.imei, nmea(math.Abs(lat), 2), ns, nmea(math.Abs(lon), 3), ew, speed/1.852, course,
		t.Format("15:04:05 02-01-06")))
}

// nmea formats degrees as (d)ddmm.mmmm.
func nmea(deg float64, width int) string {
	whole := math.Floor(deg)
	return fmt.Sprintf("%0*d%07.4f", width, int(whole), (deg-whole)*60)
}
