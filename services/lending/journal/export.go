package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"
)

const exportBatchSize = 500

type exportRow struct {
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	PoolID     string `parquet:"name=pool_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	LoanID     string `parquet:"name=loan_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Export writes every record matching filter, oldest first, to a parquet file
// at path. Filter.Limit is ignored. It returns the number of rows written.
func (j *Journal) Export(ctx context.Context, path string, filter Filter) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(exportRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	query := j.db.WithContext(ctx).Model(&Record{})
	if filter.PoolID != "" {
		query = query.Where("pool_id = ?", filter.PoolID)
	}
	if filter.LoanID != "" {
		query = query.Where("loan_id = ?", filter.LoanID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}

	written := 0
	for offset := 0; ; offset += exportBatchSize {
		var batch []Record
		err := query.Session(&gorm.Session{}).Order("created_at").Order("id").Offset(offset).Limit(exportBatchSize).Find(&batch).Error
		if err == nil {
			err = writeRows(pw, batch)
		}
		if err != nil {
			pw.WriteStop()
			file.Close()
			return written, fmt.Errorf("journal: parquet write: %w", err)
		}
		written += len(batch)
		if len(batch) < exportBatchSize {
			break
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("journal: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("journal: close parquet file: %w", err)
	}
	j.logger.Info("journal exported", "path", path, "rows", written)
	return written, nil
}

func writeRows(pw *writer.ParquetWriter, batch []Record) error {
	for _, rec := range batch {
		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			return err
		}
		row := &exportRow{
			ID:         rec.ID,
			Type:       rec.Type,
			PoolID:     rec.PoolID,
			LoanID:     rec.LoanID,
			Attributes: string(attrs),
			CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(row); err != nil {
			return err
		}
	}
	return nil
}
