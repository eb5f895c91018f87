package analyzer

// Document is the stored daily analysis. Reporting tools read it by key path,
// so the JSON names must not change.
type Document struct {
	Date         string `json:"date"`
	TotalSamples int    `json:"total_samples"`
	Timestamp    string `json:"timestamp"`
	RunID        string `json:"run_id"`

	Photovoltaic  PhotovoltaicSection  `json:"photovoltaic"`
	Battery       BatterySection       `json:"battery"`
	Grid          GridSection          `json:"grid"`
	Household     HouseholdSection     `json:"household"`
	Monitoring    MonitoringSection    `json:"monitoring"`
	Environmental EnvironmentalSection `json:"environmental"`
	DailySummary  DailyTotals          `json:"daily_summary"`
}

const (
	StatusNoData                = "no_data"
	StatusDataAvailable         = "data_available"
	StatusNoSignificantPV       = "no_significant_production"
	StatusSignificantPVDetected = "significant_production_detected"

	SeverityHigh   = "high"
	SeverityMedium = "medium"

	AnomalyPVNightProduction = "pv_night_production_anomaly"
)

type PhotovoltaicSection struct {
	DailySummary   PVSummary      `json:"daily_summary"`
	HourlyPatterns HourlyPatterns `json:"hourly_patterns"`
}

// PVSummary carries only status, energy and note when there was no
// significant production.
type PVSummary struct {
	Status         string  `json:"status"`
	TotalEnergyKWh float64 `json:"total_energy_kwh"`
	*PVProduction
	Note string `json:"note"`
}

type PVProduction struct {
	ProductionStart       string            `json:"production_start"`
	ProductionEnd         string            `json:"production_end"`
	DurationHours         float64           `json:"duration_hours"`
	PeakPowerKW           float64           `json:"peak_power_kw"`
	PeakTime              string            `json:"peak_time"`
	PeakVoltage           *float64          `json:"peak_voltage"`
	PeakCurrent           *float64          `json:"peak_current"`
	AvgPowerKW            float64           `json:"avg_power_kw"`
	SignificantThresholdW float64           `json:"significant_threshold_w"`
	SunriseHour           int               `json:"sunrise_hour"`
	SunsetHour            int               `json:"sunset_hour"`
	ProductionPattern     ProductionPattern `json:"production_pattern"`
}

type ProductionPattern struct {
	SignificantHours       []int   `json:"significant_hours"`
	DaytimeProductionRatio float64 `json:"daytime_production_ratio"`
	PeakHour               *int    `json:"peak_hour"`
	PeakHourPower          float64 `json:"peak_hour_power"`
	ProductionHoursCount   int     `json:"production_hours_count"`
	IsMostlyDiurnal        bool    `json:"is_mostly_diurnal"`
}

type HourlyPatterns struct {
	SignificantHours int               `json:"significant_hours"`
	UtilizationRate  float64           `json:"utilization_rate"`
	PeakHour         string            `json:"peak_hour"`
	HourlyBreakdown  map[int]HourStats `json:"hourly_breakdown"`
	TotalEnergyKWh   float64           `json:"total_energy_kwh"`
}

type HourStats struct {
	AvgPowerKW   float64 `json:"avg_power_kw"`
	EnergyKWh    float64 `json:"energy_kwh"`
	SamplesCount int     `json:"samples_count"`
}

type BatterySection struct {
	DailySummary BatterySummary `json:"daily_summary"`
}

type BatterySummary struct {
	Status         string  `json:"status"`
	TotalEnergyKWh float64 `json:"total_energy_kwh"`
	*BatteryDetail
}

type BatteryDetail struct {
	NetEnergyKWh         float64  `json:"net_energy_kwh"`
	ChargingEnergyKWh    float64  `json:"charging_energy_kwh"`
	DischargingEnergyKWh float64  `json:"discharging_energy_kwh"`
	ResetEventsCount     int      `json:"reset_events_count"`
	ResetTimes           []string `json:"reset_times"`
	AvgVoltage           *float64 `json:"avg_voltage"`
	MinVoltage           *float64 `json:"min_voltage"`
	MaxVoltage           *float64 `json:"max_voltage"`
	FirstChargeTime      string   `json:"first_charge_time,omitempty"`
	FirstChargeVoltage   *float64 `json:"first_charge_voltage,omitempty"`
	LastChargeTime       string   `json:"last_charge_time,omitempty"`
	LastChargeVoltage    *float64 `json:"last_charge_voltage,omitempty"`
}

type GridSection struct {
	DailySummary GridSummary  `json:"daily_summary"`
	ImportTiming ImportTiming `json:"import_timing"`
}

type GridSummary struct {
	Status         string  `json:"status"`
	TotalEnergyKWh float64 `json:"total_energy_kwh"`
	*GridDetail
}

type GridDetail struct {
	ImportEnergyKWh         float64 `json:"import_energy_kwh"`
	ExportEnergyKWh         float64 `json:"export_energy_kwh"`
	FirstMorningConsumption *string `json:"first_morning_consumption"`
	MorningConsumptionKWh   float64 `json:"morning_consumption_kwh"`
	NightConsumptionKWh     float64 `json:"night_consumption_kwh"`
	PeakImportKW            float64 `json:"peak_import_kw"`
	PeakExportKW            float64 `json:"peak_export_kw"`
}

// ImportTiming is either the hour of the largest import or a note that
// nothing was imported.
type ImportTiming struct {
	MaxImportHour      string   `json:"max_import_hour,omitempty"`
	MaxImportEnergyKWh *float64 `json:"max_import_energy_kwh,omitempty"`
	ImportTiming       string   `json:"import_timing,omitempty"`
}

type HouseholdSection struct {
	DailySummary HouseholdSummary `json:"daily_summary"`
}

type HouseholdSummary struct {
	Status         string  `json:"status"`
	TotalEnergyKWh float64 `json:"total_energy_kwh"`
	*HouseholdDetail
}

type HouseholdDetail struct {
	PeakLoadKW                   float64  `json:"peak_load_kw"`
	PeakLoadTime                 string   `json:"peak_load_time"`
	AvgLoadKW                    float64  `json:"avg_load_kw"`
	AvgPowerFactor               *float64 `json:"avg_power_factor"`
	LoadSamplesCount             int      `json:"load_samples_count"`
	NightConsumptionKWh          float64  `json:"night_consumption_kwh"`
	MorningConsumptionKWh        float64  `json:"morning_consumption_kwh"`
	TotalDarkHoursConsumptionKWh float64  `json:"total_dark_hours_consumption_kwh"`
	DarkHoursPercentage          float64  `json:"dark_hours_percentage"`
	NightStartTime               *string  `json:"night_start_time"`
	NightEndTime                 *string  `json:"night_end_time"`
	MorningStartTime             *string  `json:"morning_start_time"`
	Note                         string   `json:"note"`
}

type MonitoringSection struct {
	AnomalyDetection AnomalyReport `json:"anomaly_detection"`
}

type AnomalyReport struct {
	TotalAnomalies   int       `json:"total_anomalies"`
	Anomalies        []Anomaly `json:"anomalies"`
	HighSeverity     int       `json:"high_severity"`
	MediumSeverity   int       `json:"medium_severity"`
	PVNightAnomalies int       `json:"pv_night_anomalies"`
}

// Anomaly is one flagged event. Which value fields are set depends on Type.
type Anomaly struct {
	Type               string   `json:"type"`
	Timestamp          string   `json:"timestamp"`
	Value              *float64 `json:"value,omitempty"`
	Threshold          *float64 `json:"threshold,omitempty"`
	ChangeKW           *float64 `json:"change_kw,omitempty"`
	From               *float64 `json:"from,omitempty"`
	To                 *float64 `json:"to,omitempty"`
	NightProductionKWh *float64 `json:"night_production_kwh,omitempty"`
	SamplesCount       int      `json:"samples_count,omitempty"`
	MaxNightPowerKW    *float64 `json:"max_night_power_kw,omitempty"`
	Severity           string   `json:"severity"`
	Note               string   `json:"note,omitempty"`
}

type EnvironmentalSection struct {
	SeasonalInsights SeasonalInsights `json:"seasonal_insights"`
}

// SeasonalInsights marshals as an empty object on a day without daylight.
type SeasonalInsights struct {
	*Daylight
}

type Daylight struct {
	DaylightStart string  `json:"daylight_start"`
	DaylightEnd   string  `json:"daylight_end"`
	DaylightHours float64 `json:"daylight_hours"`
	Season        string  `json:"season"`
	DayOfYear     int     `json:"day_of_year"`
	SunriseHour   int     `json:"sunrise_hour"`
	SunsetHour    int     `json:"sunset_hour"`
	Note          string  `json:"note"`
}

type DailyTotals struct {
	PVTotalKWh                  float64  `json:"pv_w_total_kwh"`
	BatteryTotalKWh             float64  `json:"battery_w_total_kwh"`
	GridTotalKWh                float64  `json:"grid_w_total_kwh"`
	LoadTotalKWh                float64  `json:"load_w_total_kwh"`
	SystemEfficiency            *float64 `json:"system_efficiency,omitempty"`
	DaylightLoadKWh             float64  `json:"daylight_load_kwh"`
	DarkHoursLoadKWh            float64  `json:"dark_hours_load_kwh"`
	DaylightEfficiency          float64  `json:"daylight_efficiency"`
	ConsumptionRatioDarkVsLight float64  `json:"consumption_ratio_dark_vs_light"`
	Note                        string   `json:"note"`
}
